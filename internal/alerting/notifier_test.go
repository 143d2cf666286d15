package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleNote() Notification {
	return PriceAlert("user-1", "ethereum", decimal.NewFromInt(2001), decimal.NewFromInt(2000), "above", time.Unix(1_700_000_000, 0))
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Price Alert") {
		t.Fatalf("text 应包含标题: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderMessageOrdersData(t *testing.T) {
	text := renderMessage(sampleNote())
	direction := strings.Index(text, "direction: above")
	price := strings.Index(text, "price: 2001")
	symbol := strings.Index(text, "symbol: ethereum")
	if direction < 0 || price < 0 || symbol < 0 {
		t.Fatalf("消息缺少数据字段: %q", text)
	}
	if !(direction < price && price < symbol) {
		t.Fatalf("数据字段应按键排序: %q", text)
	}
	if !strings.HasPrefix(text, "[chainwatch MEDIUM] Price Alert") {
		t.Fatalf("标题格式错误: %q", text)
	}
}

type recordingNotifier struct {
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	r.notes = append(r.notes, note)
	return r.err
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("down")}
	ok := &recordingNotifier{}

	err := Multi{failing, ok}.Notify(context.Background(), sampleNote())
	if err == nil {
		t.Fatal("应返回下游错误")
	}
	if len(ok.notes) != 1 {
		t.Fatal("单个下游失败不应阻止其他下游")
	}
}

func TestNewNotificationDefaults(t *testing.T) {
	note := NewNotification("", TypeSystem, "", "t", "m", nil, time.Now())
	if note.ID == "" {
		t.Fatal("应生成 ID")
	}
	if note.Priority != PriorityLow {
		t.Fatalf("默认优先级应为 low, 实际 %s", note.Priority)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
