package realtime

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := &Gateway{
		originRequired: true,
		allowedOrigins: []string{"http://localhost", "https://chat.example.com"},
	}

	cases := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{name: "exact match", origin: "http://localhost"},
		{name: "host match different port", origin: "http://localhost:5173"},
		{name: "allowed https", origin: "https://chat.example.com"},
		{name: "missing", origin: "", wantErr: true},
		{name: "denied", origin: "https://evil.example.com", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}

			err := g.enforceOrigin(r)
			if tc.wantErr && err == nil {
				t.Fatal("expected rejection")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestEnforceOriginOptional(t *testing.T) {
	t.Parallel()

	g := &Gateway{originRequired: false, allowedOrigins: []string{"http://localhost"}}

	r := httptest.NewRequest("GET", "/ws", nil)
	if err := g.enforceOrigin(r); err != nil {
		t.Fatalf("missing origin must pass when not required: %v", err)
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://localhost", want: "localhost"},
		{in: "http://Localhost:5173", want: "localhost"},
		{in: "https://chat.example.com", want: "chat.example.com"},
		{in: "chat.example.com:443", want: "chat.example.com"},
		{in: "chat.example.com", want: "chat.example.com"},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{
		"http://localhost",
		"http://localhost:5173",
		"https://chat.example.com",
		"*",
		"",
	})
	want := []string{"chat.example.com", "localhost"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("deriveOriginPatterns=%v want=%v", got, want)
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want readErrKind
	}{
		{name: "ctx canceled", err: context.Canceled, want: readErrCtxDone},
		{name: "deadline", err: context.DeadlineExceeded, want: readErrCtxDone},
		{name: "eof", err: io.EOF, want: readErrConnClosed},
		{name: "bad json", err: errors.New("invalid character 'x' looking for beginning of value"), want: readErrBadJSON},
		{name: "other", err: errors.New("boom"), want: readErrUnknown},
	}

	for _, tc := range cases {
		if got := classifyReadErr(tc.err); got != tc.want {
			t.Fatalf("%s: classifyReadErr=%v want=%v", tc.name, got, tc.want)
		}
	}
}
