package inbox

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestDecodeUpdate(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		check   func(t *testing.T, u Update)
	}{
		{
			name: "text",
			data: `{"id":"1","thread_key":"42","actor_ref":"u7","text":"/session","sent_at":"2026-01-02T03:04:05Z"}`,
			check: func(t *testing.T, u Update) {
				if u.ThreadKey != "42" || u.Text != "/session" || u.IsCallback() {
					t.Errorf("unexpected update %+v", u)
				}
				if !u.SentAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
					t.Errorf("unexpected time %v", u.SentAt)
				}
			},
		},
		{
			name: "callback",
			data: `{"thread_key":"42","callback":"ss:m:0"}`,
			check: func(t *testing.T, u Update) {
				if !u.IsCallback() || u.Callback != "ss:m:0" {
					t.Errorf("unexpected update %+v", u)
				}
			},
		},
		{name: "not json", data: `hello`, wantErr: true},
		{name: "no thread", data: `{"text":"hi"}`, wantErr: true},
		{name: "blank thread", data: `{"thread_key":"  ","text":"hi"}`, wantErr: true},
		{name: "empty", data: `{"thread_key":"42"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := DecodeUpdate([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidUpdate) {
					t.Errorf("expected ErrInvalidUpdate, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeUpdate error: %v", err)
			}
			tt.check(t, u)
		})
	}
}

func TestSubjects(t *testing.T) {
	if got := UpdateSubject("plural.remote", "-100123"); got != "plural.remote.updates.-100123" {
		t.Errorf("unexpected update subject %q", got)
	}
	if got := UpdateSubject("p", "a.b*c>d e"); got != "p.updates.a_b_c_d_e" {
		t.Errorf("unsafe characters not replaced: %q", got)
	}
	if got := TaskSubject("p", ""); got != "p.tasks._" {
		t.Errorf("unexpected empty-machine subject %q", got)
	}
	if got := TaskSubject("p", "devbox"); got != "p.tasks.devbox" {
		t.Errorf("unexpected task subject %q", got)
	}
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.setDefaults()
	if o.URL != nats.DefaultURL || o.Stream != "PLURAL_REMOTE" || o.Prefix != "plural.remote" {
		t.Errorf("unexpected defaults %+v", o)
	}
	if o.Batch != 64 || o.MaxWait != 500*time.Millisecond || o.DupeWindow != 2*time.Minute {
		t.Errorf("unexpected fetch defaults %+v", o)
	}

	cfg := o.streamConfig()
	if len(cfg.Subjects) != 2 || cfg.Subjects[0] != "plural.remote.updates.>" || cfg.Subjects[1] != "plural.remote.tasks.>" {
		t.Errorf("unexpected subjects %v", cfg.Subjects)
	}
	if cfg.Storage != nats.FileStorage || cfg.Retention != nats.LimitsPolicy || cfg.Discard != nats.DiscardOld {
		t.Errorf("unexpected stream config %+v", cfg)
	}

	custom := Options{Prefix: "x", Stream: "S", Batch: 5}
	custom.setDefaults()
	if custom.Prefix != "x" || custom.Stream != "S" || custom.Batch != 5 {
		t.Errorf("explicit values overwritten: %+v", custom)
	}
}
