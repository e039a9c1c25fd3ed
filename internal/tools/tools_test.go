package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodePayload(t *testing.T, payload string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		t.Fatalf("payload %q is not a JSON object: %v", payload, err)
	}
	return m
}

func TestRegistry_DefinitionsInRegistrationOrder(t *testing.T) {
	r := NewRegistry(0, discardLogger())
	for _, name := range []string{"getMonthlySpending", "getAvgTransactionAmount", "getMaxTransactions"} {
		r.Register(&Tool{Name: name, Description: "d", Handler: func(context.Context, Args) (any, error) { return nil, nil }})
	}
	// Re-registration keeps the slot.
	r.Register(&Tool{Name: "getMonthlySpending", Description: "updated"})

	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("len = %d, want 3", len(defs))
	}
	want := []string{"getMonthlySpending", "getAvgTransactionAmount", "getMaxTransactions"}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d] = %s, want %s", i, d.Name, want[i])
		}
	}
	if defs[0].Description != "updated" {
		t.Errorf("description = %q", defs[0].Description)
	}
	if string(defs[1].Parameters) != `{"properties":{},"type":"object"}` {
		t.Errorf("default schema = %s", defs[1].Parameters)
	}
}

func TestRegistry_SchemaAdvertisedVerbatim(t *testing.T) {
	r := NewRegistry(0, discardLogger())
	r.Register(&Tool{
		Name: "getMaxTransactions",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"n_highest": map[string]any{"type": "string", "description": "How many"},
			},
			"required": []string{"n_highest"},
		},
	})

	var schema struct {
		Properties map[string]map[string]string `json:"properties"`
		Required   []string                     `json:"required"`
	}
	if err := json.Unmarshal(r.Definitions()[0].Parameters, &schema); err != nil {
		t.Fatal(err)
	}
	if schema.Properties["n_highest"]["type"] != "string" || len(schema.Required) != 1 || schema.Required[0] != "n_highest" {
		t.Errorf("schema = %+v", schema)
	}
}

func TestExecute_InjectsUserID(t *testing.T) {
	r := NewRegistry(0, discardLogger())
	var gotArg, gotCtx string
	r.Register(&Tool{Name: "whoami", Handler: func(ctx context.Context, args Args) (any, error) {
		gotArg = args.UserID()
		gotCtx = UserIDFromContext(ctx)
		return map[string]any{"ok": true}, nil
	}})

	tests := []struct {
		name string
		args string
	}{
		{name: "omitted", args: `{}`},
		{name: "empty string", args: ``},
		{name: "impersonation attempt", args: `{"user_id":"someone-else"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.Execute(context.Background(), "42", "whoami", tt.args)
			if gotArg != "42" || gotCtx != "42" {
				t.Errorf("user id arg=%q ctx=%q, want 42", gotArg, gotCtx)
			}
		})
	}
}

type conflictErr struct{}

func (conflictErr) Error() string { return "session already exists" }
func (conflictErr) Code() string  { return "conflict" }

func TestExecute_Payloads(t *testing.T) {
	r := NewRegistry(0, discardLogger())
	r.Register(&Tool{Name: "record", Handler: func(context.Context, Args) (any, error) {
		return map[string]any{"total": 12.5}, nil
	}})
	r.Register(&Tool{Name: "empty", Handler: func(context.Context, Args) (any, error) { return nil, nil }})
	r.Register(&Tool{Name: "text", Handler: func(context.Context, Args) (any, error) { return "Level 2 chargers use 240V.", nil }})
	r.Register(&Tool{Name: "fails", Handler: func(context.Context, Args) (any, error) { return nil, errors.New("database is locked") }})
	r.Register(&Tool{Name: "conflict", Handler: func(context.Context, Args) (any, error) { return nil, conflictErr{} }})
	r.Register(&Tool{Name: "panics", Handler: func(context.Context, Args) (any, error) { panic("nil map") }})
	r.Register(&Tool{Name: "needs", Handler: func(_ context.Context, a Args) (any, error) {
		n, err := a.Int("n")
		return map[string]int{"n": n}, err
	}})

	tests := []struct {
		name       string
		tool       string
		args       string
		want       string
		wantStatus string
		wantCode   string
		wantMsg    string
	}{
		{name: "record", tool: "record", want: `{"total":12.5}`},
		{name: "no data", tool: "empty", want: `{"status":"no_data"}`},
		{name: "free text", tool: "text", want: `"Level 2 chargers use 240V."`},
		{name: "handler error", tool: "fails", wantStatus: "error", wantMsg: "database is locked"},
		{name: "coded error", tool: "conflict", wantStatus: "error", wantCode: "conflict"},
		{name: "panic", tool: "panics", wantStatus: "error", wantMsg: "internal error in panics"},
		{name: "unknown tool", tool: "dropTables", wantStatus: "error", wantCode: "unavailable"},
		{name: "bad json", tool: "record", args: `{"a":`, wantStatus: "error", wantCode: "invalid_argument"},
		{name: "missing arg", tool: "needs", args: `{}`, wantStatus: "error", wantMsg: `"n": is required`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Execute(context.Background(), "7", tt.tool, tt.args)
			if tt.want != "" {
				if got != tt.want {
					t.Errorf("payload = %s, want %s", got, tt.want)
				}
				return
			}
			m := decodePayload(t, got)
			if m["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", m["status"], tt.wantStatus)
			}
			if tt.wantCode != "" && m["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", m["code"], tt.wantCode)
			}
			if msg, _ := m["message"].(string); tt.wantMsg != "" && !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("message = %q, want to contain %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, discardLogger())
	r.Register(&Tool{Name: "slow", Handler: func(ctx context.Context, _ Args) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	m := decodePayload(t, r.Execute(context.Background(), "1", "slow", "{}"))
	if m["status"] != "error" || !strings.Contains(m["message"].(string), "deadline") {
		t.Errorf("payload = %v", m)
	}
}

func TestArgs(t *testing.T) {
	args, err := ParseArgs(`{"n_months":"6","n_highest":3,"kw":12.75,"neg":"-2","frac":"2.5","name":"  Tesla  ","blank":"","nil":null}`)
	if err != nil {
		t.Fatal(err)
	}

	if n, err := args.Int("n_months"); err != nil || n != 6 {
		t.Errorf("Int(n_months) = %d, %v", n, err)
	}
	if n, err := args.Int("n_highest"); err != nil || n != 3 {
		t.Errorf("Int(n_highest) = %d, %v", n, err)
	}
	if n, err := args.Int("neg"); err != nil || n != -2 {
		t.Errorf("Int(neg) = %d, %v", n, err)
	}
	if _, err := args.Int("frac"); err == nil {
		t.Error("Int(frac) should reject 2.5")
	}
	if f, err := args.Float("kw"); err != nil || f != 12.75 {
		t.Errorf("Float(kw) = %v, %v", f, err)
	}
	if s, err := args.String("name"); err != nil || s != "Tesla" {
		t.Errorf("String(name) = %q, %v", s, err)
	}
	if _, err := args.String("blank"); err == nil {
		t.Error("String(blank) should fail")
	}
	if _, err := args.String("missing"); err == nil {
		t.Error("String(missing) should fail")
	}
	if n, err := args.OptionalInt("nil", 5); err != nil || n != 5 {
		t.Errorf("OptionalInt(nil) = %d, %v", n, err)
	}
	if n, err := args.OptionalInt("blank", 7); err != nil || n != 7 {
		t.Errorf("OptionalInt(blank) = %d, %v", n, err)
	}
	if n, err := args.OptionalInt("n_months", 1); err != nil || n != 6 {
		t.Errorf("OptionalInt(n_months) = %d, %v", n, err)
	}

	var invalid *ErrInvalidArgument
	_, err = args.Int("name")
	if !errors.As(err, &invalid) || invalid.Field != "name" {
		t.Errorf("Int(name) error = %v", err)
	}
}

func TestParseArgs_RejectsNonObject(t *testing.T) {
	for _, in := range []string{`[1,2]`, `"x"`, `{`, `{"n_months":"4"} garbage`, `{"n_months":"4"}{"n_months":"5"}`, `{} 1`} {
		if _, err := ParseArgs(in); err == nil {
			t.Errorf("ParseArgs(%s) should fail", in)
		}
	}
	if args, err := ParseArgs(`null`); err != nil || args == nil {
		t.Errorf("ParseArgs(null) = %v, %v", args, err)
	}
	if _, err := ParseArgs("{\"n_months\":\"4\"} \n\t"); err != nil {
		t.Errorf("trailing whitespace rejected: %v", err)
	}

	_, err := ParseArgs(`{"n_months":"4"} garbage`)
	var invalid *ErrInvalidArgument
	if !errors.As(err, &invalid) || invalid.Field != "arguments" {
		t.Errorf("trailing data error = %v, want *ErrInvalidArgument for arguments", err)
	}
}
