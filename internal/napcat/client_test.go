package napcat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"duoshe/internal/activity"
	logx "duoshe/pkg/logx"
)

// fakeNapcat routes actions to handlers and records every request.
type fakeNapcat struct {
	t *testing.T

	mu       sync.Mutex
	handlers map[string]func(params map[string]any) (int, any)
	calls    []recordedCall
}

type recordedCall struct {
	Action string
	Auth   string
	Params map[string]any
}

func newFake(t *testing.T) (*fakeNapcat, *httptest.Server) {
	f := &fakeNapcat{t: t, handlers: map[string]func(map[string]any) (int, any){}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeNapcat) handle(action string, fn func(params map[string]any) (int, any)) {
	f.mu.Lock()
	f.handlers[action] = fn
	f.mu.Unlock()
}

func (f *fakeNapcat) serve(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Path[1:]
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		f.t.Errorf("%s: bad body: %v", action, err)
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Action: action, Auth: r.Header.Get("Authorization"), Params: params})
	fn := f.handlers[action]
	f.mu.Unlock()

	if fn == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	code, body := fn(params)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeNapcat) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Action
	}
	return out
}

func (f *fakeNapcat) call(i int) recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func ok(data any) (int, any) {
	return http.StatusOK, map[string]any{"status": "ok", "retcode": 0, "data": data}
}

func failed(msg string) (int, any) {
	return http.StatusOK, map[string]any{"status": "failed", "retcode": 100, "data": nil, "message": msg}
}

func newClient(srv *httptest.Server, mutate func(*Config)) *Client {
	cfg := Config{
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
		RetryDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, logx.Nop())
}

func TestListGroupsSendsTokenAndDedupes(t *testing.T) {
	t.Parallel()
	f, srv := newFake(t)
	f.handle("get_group_list", func(map[string]any) (int, any) {
		return ok([]map[string]any{
			{"group_id": 111, "group_name": "a"},
			{"group_id": "222", "group_name": "b"},
			{"group_id": 111, "group_name": "a"},
		})
	})
	c := newClient(srv, func(cfg *Config) { cfg.AccessToken = "tok" })

	got, err := c.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if diff := cmp.Diff([]string{"111", "222"}, got); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}
	if auth := f.call(0).Auth; auth != "Bearer tok" {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestReadOnlyCallsRetryServerErrors(t *testing.T) {
	t.Parallel()
	f, srv := newFake(t)
	var n atomic.Int32
	f.handle("get_group_list", func(map[string]any) (int, any) {
		if n.Add(1) < 3 {
			return http.StatusBadGateway, map[string]any{}
		}
		return ok([]map[string]any{{"group_id": 1}})
	})
	c := newClient(srv, nil)

	got, err := c.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(got) != 1 || n.Load() != 3 {
		t.Fatalf("got %v after %d calls", got, n.Load())
	}
}

func TestReadOnlyCallsDoNotRetryRefusals(t *testing.T) {
	t.Parallel()
	f, srv := newFake(t)
	f.handle("get_group_list", func(map[string]any) (int, any) { return failed("nope") })
	c := newClient(srv, nil)

	_, err := c.ListGroups(context.Background())
	if !errors.Is(err, ErrNotOK) {
		t.Fatalf("err = %v, want ErrNotOK", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "nope" {
		t.Fatalf("APIError = %+v", apiErr)
	}
	if calls := len(f.actions()); calls != 1 {
		t.Fatalf("refusal was retried: %d calls", calls)
	}
}

func TestMutatingCallsAreNotRetried(t *testing.T) {
	t.Parallel()
	f, srv := newFake(t)
	f.handle("group_poke", func(map[string]any) (int, any) { return http.StatusBadGateway, map[string]any{} })
	c := newClient(srv, nil)

	if err := c.PokeUser(context.Background(), "1", "2"); err == nil {
		t.Fatal("expected error")
	}
	if calls := len(f.actions()); calls != 1 {
		t.Fatalf("poke was retried: %d calls", calls)
	}
}

func TestGetGroupCardFallsBackToNickname(t *testing.T) {
	t.Parallel()
	f, srv := newFake(t)
	f.handle("get_group_member_info", func(p map[string]any) (int, any) {
		if p["no_cache"] != true {
			t.Errorf("no_cache = %v", p["no_cache"])
		}
		switch p["user_id"] {
		case float64(10):
			return ok(map[string]any{"user_id": 10, "card": "Carded", "nickname": "n10", "role": "member"})
		case float64(20):
			return ok(map[string]any{"user_id": 20, "card": "", "nickname": "n20", "role": "member"})
		}
		return failed("not in group")
	})
	c := newClient(srv, nil)
	ctx := context.Background()

	for user, want := range map[string]string{"10": "Carded", "20": "n20"} {
		got, err := c.GetGroupCard(ctx, "1", user)
		if err != nil {
			t.Fatalf("GetGroupCard(%s): %v", user, err)
		}
		if got != want {
			t.Fatalf("GetGroupCard(%s) = %q, want %q", user, got, want)
		}
	}
	if _, err := c.GetGroupCard(ctx, "1", "30"); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("missing member err = %v, want ErrMemberNotFound", err)
	}
}

func TestHasElevatedPrivilege(t *testing.T) {
	t.Parallel()
	for role, want := range map[string]bool{"owner": true, "admin": true, "member": false} {
		role, want := role, want
		t.Run(role, func(t *testing.T) {
			t.Parallel()
			f, srv := newFake(t)
			f.handle("get_login_info", func(map[string]any) (int, any) {
				return ok(map[string]any{"user_id": 99, "nickname": "Bot"})
			})
			f.handle("get_group_member_info", func(p map[string]any) (int, any) {
				if p["user_id"] != float64(99) {
					t.Errorf("privilege checked for %v, want self", p["user_id"])
				}
				return ok(map[string]any{"user_id": 99, "role": role})
			})
			c := newClient(srv, nil)
			if _, err := c.GetBotIdentity(context.Background()); err != nil {
				t.Fatalf("GetBotIdentity: %v", err)
			}
			got, err := c.HasElevatedPrivilege(context.Background(), "1")
			if err != nil {
				t.Fatalf("HasElevatedPrivilege: %v", err)
			}
			if got != want {
				t.Fatalf("privileged = %v, want %v", got, want)
			}
		})
	}
}

func TestGetBotIdentityPrefersConfiguredSelfID(t *testing.T) {
	t.Parallel()
	f, srv := newFake(t)
	f.handle("get_login_info", func(map[string]any) (int, any) {
		return ok(map[string]any{"user_id": 99, "nickname": "Login"})
	})
	c := newClient(srv, func(cfg *Config) { cfg.SelfID = "42" })

	info, err := c.GetBotIdentity(context.Background())
	if err != nil {
		t.Fatalf("GetBotIdentity: %v", err)
	}
	if info.UserID != "42" || info.Nickname != "Login" || c.SelfID() != "42" {
		t.Fatalf("identity = %+v, self = %q", info, c.SelfID())
	}
}

func TestSetGroupCardParams(t *testing.T) {
	t.Parallel()
	f, srv := newFake(t)
	f.handle("set_group_card", func(map[string]any) (int, any) { return ok(nil) })
	c := newClient(srv, nil)

	if err := c.SetGroupCard(context.Background(), "123", "456", "New Card"); err != nil {
		t.Fatalf("SetGroupCard: %v", err)
	}
	want := map[string]any{"group_id": float64(123), "user_id": float64(456), "card": "New Card"}
	if diff := cmp.Diff(want, f.call(0).Params); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryMessagesPagesBackwards(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_760_000_000, 0)
	since := now.Add(-24 * time.Hour)

	msg := func(id, seq int, at time.Time, user int, raw string) map[string]any {
		return map[string]any{
			"message_id": id, "message_seq": seq, "time": at.Unix(),
			"user_id": user, "raw_message": raw, "sender": map[string]any{"user_id": user},
		}
	}
	// Newest page, then the page anchored at seq 3 (which repeats it), then
	// a page that crosses since.
	pages := map[float64][]map[string]any{
		0: {
			msg(3, 3, now.Add(-3*time.Hour), 1, "hello"),
			msg(4, 4, now.Add(-2*time.Hour), 2, "/help"),
			msg(5, 5, now.Add(-time.Hour), 1, "again"),
		},
		3: {
			msg(1, 1, now.Add(-5*time.Hour), 2, "hi"),
			msg(2, 2, now.Add(-4*time.Hour), 3, "yo"),
			msg(3, 3, now.Add(-3*time.Hour), 1, "hello"),
		},
		1: {
			msg(-1, -1, since.Add(-time.Hour), 4, "old"),
			msg(0, 0, since.Add(-time.Minute), 4, "old"),
			msg(1, 1, now.Add(-5*time.Hour), 2, "hi"),
		},
	}

	f, srv := newFake(t)
	f.handle("get_group_msg_history", func(p map[string]any) (int, any) {
		seq, _ := p["message_seq"].(float64)
		return ok(map[string]any{"messages": pages[seq]})
	})
	c := newClient(srv, func(cfg *Config) { cfg.PageSize = 3 })

	got, err := c.QueryMessages(context.Background(), "1", since, now)
	if err != nil {
		t.Fatalf("QueryMessages: %v", err)
	}
	if calls := len(f.actions()); calls != 3 {
		t.Fatalf("pages fetched = %d, want 3", calls)
	}

	ranked := activity.Rank(got, "")
	if diff := cmp.Diff([]string{"1", "2", "3"}, ranked); diff != "" {
		t.Fatalf("rank mismatch (-want +got):\n%s", diff)
	}
	commands := 0
	for _, ev := range got {
		if ev.At.Before(since) {
			t.Fatalf("event before since: %+v", ev)
		}
		if ev.IsCommand {
			commands++
		}
	}
	if len(got) != 5 || commands != 1 {
		t.Fatalf("events = %d (commands %d), want 5 (1)", len(got), commands)
	}
}

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	t.Parallel()
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":123456789012,"b":"77","c":null}`), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.A != "123456789012" || v.B != "77" || v.C != "" {
		t.Fatalf("ids = %+v", v)
	}
	if err := json.Unmarshal([]byte(`{"a":1.5}`), &v); err == nil {
		t.Fatal("expected error for fractional id")
	}
}
