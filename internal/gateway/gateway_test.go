package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Matteo7S/expense-tracker-app-sub001/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", testLogger())
}

func TestCreateReport_ReturnsServerID(t *testing.T) {
	var gotAuth, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "R42"})
	})

	id, err := c.CreateReport(context.Background(), &model.ReportPayload{Title: "t"})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	if id != "R42" {
		t.Errorf("server id = %q, want R42", id)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotPath != "/api/reports" {
		t.Errorf("path = %q, want /api/reports", gotPath)
	}
}

func TestCreateReport_MissingIDIsAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	})

	if _, err := c.CreateReport(context.Background(), &model.ReportPayload{}); err == nil {
		t.Fatal("want error for a create response without an id")
	}
}

func TestSend_RejectionBecomesError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "title too long"})
	})

	_, err := c.CreateReport(context.Background(), &model.ReportPayload{})
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if re.Status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", re.Status)
	}
	if re.Message != "title too long" {
		t.Errorf("message = %q, want the server's error body", re.Message)
	}
	if !IsPermanent(err) {
		t.Error("IsPermanent = false for a 422")
	}
}

func TestSend_TransportFailureIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	c := NewClient(srv.URL, "test-token", testLogger())

	_, err := c.CreateReport(context.Background(), &model.ReportPayload{})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
}

func TestError_Permanent(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		e := &Error{Status: tc.status}
		if got := e.Permanent(); got != tc.want {
			t.Errorf("Permanent(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}

	if IsPermanent(errors.New("plain error")) {
		t.Error("IsPermanent = true for a non-gateway error")
	}
}

func TestCreateExpense_MultipartWithReceipt(t *testing.T) {
	receipt := filepath.Join(t.TempDir(), "receipt.jpg")
	if err := os.WriteFile(receipt, []byte("jpeg-bytes"), 0o600); err != nil {
		t.Fatalf("writing receipt fixture: %v", err)
	}

	var gotMerchant, gotReceipt string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		var p model.ExpensePayload
		if err := json.Unmarshal([]byte(r.FormValue("expense")), &p); err != nil {
			t.Errorf("decoding expense part: %v", err)
			return
		}
		gotMerchant = p.Merchant

		f, _, err := r.FormFile("receipt")
		if err != nil {
			t.Errorf("receipt part: %v", err)
			return
		}
		defer func() { _ = f.Close() }()
		b, _ := io.ReadAll(f)
		gotReceipt = string(b)

		_ = json.NewEncoder(w).Encode(ExpenseResult{
			ServerID:   "E7",
			ReceiptURL: "https://cdn.example.com/receipts/E7.jpg",
		})
	})

	res, err := c.CreateExpense(context.Background(), "R1", &model.ExpensePayload{
		Merchant:    "Cafe Kotti",
		AmountCents: 1250,
		Currency:    "EUR",
		ReceiptPath: receipt,
	})
	if err != nil {
		t.Fatalf("CreateExpense: %v", err)
	}
	if res.ServerID != "E7" || res.ReceiptURL == "" {
		t.Errorf("result = %+v, want server id and receipt URL", res)
	}
	if gotMerchant != "Cafe Kotti" {
		t.Errorf("merchant = %q, want Cafe Kotti", gotMerchant)
	}
	if gotReceipt != "jpeg-bytes" {
		t.Errorf("receipt body = %q, want the fixture bytes", gotReceipt)
	}
}

func TestCreateExpense_MissingReceiptFileIsSkipped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if _, _, err := r.FormFile("receipt"); err == nil {
			t.Error("request carries a receipt part despite the file being gone")
		}
		_ = json.NewEncoder(w).Encode(ExpenseResult{ServerID: "E1"})
	})

	res, err := c.CreateExpense(context.Background(), "R1", &model.ExpensePayload{
		Merchant:    "Cafe Kotti",
		ReceiptPath: "/nonexistent/receipt.jpg",
	})
	if err != nil {
		t.Fatalf("CreateExpense: %v", err)
	}
	if res.ServerID != "E1" {
		t.Errorf("server id = %q, want E1", res.ServerID)
	}
}

func TestDeleteReport_UsesServerID(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.DeleteReport(context.Background(), "R9"); err != nil {
		t.Fatalf("DeleteReport: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/reports/R9" {
		t.Errorf("request = %s %s, want DELETE /api/reports/R9", gotMethod, gotPath)
	}
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("path = %q, want /api/health", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestUpdateExpense_RetriesTransportFlakes(t *testing.T) {
	fails := 2
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if fails > 0 {
			fails--
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("response writer does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			_ = conn.Close() // slam the connection, a pure transport failure
			return
		}
		_ = json.NewEncoder(w).Encode(ExpenseResult{ServerID: "E1"})
	})

	start := time.Now()
	res, err := c.UpdateExpense(context.Background(), "E1", &model.ExpensePayload{Merchant: "m"})
	if err != nil {
		t.Fatalf("UpdateExpense after %v: %v", time.Since(start), err)
	}
	if res.ServerID != "E1" {
		t.Errorf("server id = %q, want E1", res.ServerID)
	}
	if fails != 0 {
		t.Errorf("remaining planned failures = %d, want 0 (two retries expected)", fails)
	}
}
