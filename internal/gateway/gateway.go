// Package gateway implements the HTTP client for the remote expense API.
// It exposes one method per remote operation, a discriminated error model
// the sync engine branches on ([Error] for rejections, [ErrUnreachable] for
// transport failures), and a small jittered-backoff [Retry] helper for
// transport-level flakes.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Matteo7S/expense-tracker-app-sub001/internal/model"
)

// ErrUnreachable wraps transport-level failures: the request never produced
// an HTTP response, so no attempt was made as far as the remote is
// concerned.
var ErrUnreachable = errors.New("server unreachable")

// Error is a rejection from the remote authority (an HTTP response with a
// non-2xx status). The engine treats permanent rejections differently from
// transient ones.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote rejected request: %d %s", e.Status, e.Message)
}

// Permanent reports whether retrying the identical payload can ever
// succeed. Client errors are permanent except request timeout (408) and
// rate limiting (429).
func (e *Error) Permanent() bool {
	if e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}

// IsPermanent reports whether err is a permanent remote rejection.
func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Permanent()
}

// ExpenseResult carries the server-assigned fields returned by expense
// create/update calls.
type ExpenseResult struct {
	ServerID   string `json:"id"`
	ReceiptURL string `json:"receipt_url"`
}

// Client talks to the expense API over HTTP with bearer-token auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logger,
	}
}

// Ping checks that the API answers at all. Used at startup and as the
// default connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("building ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	return nil
}

// --- Reports -------------------------------------------------------------

// CreateReport creates the report remotely and returns its server ID.
func (c *Client) CreateReport(ctx context.Context, p *model.ReportPayload) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/reports", p, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &Error{Status: http.StatusBadGateway, Message: "create response missing id"}
	}
	return out.ID, nil
}

// UpdateReport replaces the remote report's fields. The call is idempotent,
// so transport flakes are retried in place.
func (c *Client) UpdateReport(ctx context.Context, serverID string, p *model.ReportPayload) error {
	return Retry(ctx, defaultMaxAttempts, func() error {
		return c.doJSON(ctx, http.MethodPut, "/api/reports/"+serverID, p, nil)
	})
}

// DeleteReport deletes the remote report. The server cascades deletion of
// its expenses.
func (c *Client) DeleteReport(ctx context.Context, serverID string) error {
	return Retry(ctx, defaultMaxAttempts, func() error {
		return c.doJSON(ctx, http.MethodDelete, "/api/reports/"+serverID, nil, nil)
	})
}

// --- Expenses ------------------------------------------------------------

// CreateExpense creates the expense under the given report, bundling the
// receipt image (when the payload references one) into the same call.
func (c *Client) CreateExpense(ctx context.Context, reportServerID string, p *model.ExpensePayload) (*ExpenseResult, error) {
	return c.doExpense(ctx, http.MethodPost, "/api/reports/"+reportServerID+"/expenses", p)
}

// UpdateExpense replaces the remote expense's fields, re-uploading the
// receipt image when one is attached.
func (c *Client) UpdateExpense(ctx context.Context, serverID string, p *model.ExpensePayload) (*ExpenseResult, error) {
	var out *ExpenseResult
	err := Retry(ctx, defaultMaxAttempts, func() error {
		var inner error
		out, inner = c.doExpense(ctx, http.MethodPut, "/api/expenses/"+serverID, p)
		return inner
	})
	return out, err
}

// DeleteExpense deletes the remote expense.
func (c *Client) DeleteExpense(ctx context.Context, serverID string) error {
	return Retry(ctx, defaultMaxAttempts, func() error {
		return c.doJSON(ctx, http.MethodDelete, "/api/expenses/"+serverID, nil, nil)
	})
}

// doExpense sends an expense payload as multipart form data: an "expense"
// JSON part plus an optional "receipt" file part.
func (c *Client) doExpense(ctx context.Context, method, path string, p *model.ExpensePayload) (*ExpenseResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	meta, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding expense payload: %w", err)
	}
	part, err := mw.CreateFormField("expense")
	if err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(meta); err != nil {
		return nil, fmt.Errorf("building multipart body: %w", err)
	}

	if p.ReceiptPath != "" {
		f, err := os.Open(p.ReceiptPath)
		if err != nil {
			// The capture layer owns the file; a missing receipt should not
			// sink the expense itself.
			c.log.Warn("receipt image missing, sending expense without it",
				"path", p.ReceiptPath, "error", err)
		} else {
			fw, err := mw.CreateFormFile("receipt", filepath.Base(p.ReceiptPath))
			if err == nil {
				_, err = io.Copy(fw, f)
			}
			_ = f.Close()
			if err != nil {
				return nil, fmt.Errorf("attaching receipt %q: %w", p.ReceiptPath, err)
			}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out ExpenseResult
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// doJSON sends an optional JSON body and decodes an optional JSON response.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// send executes the request with auth, maps transport failures to
// [ErrUnreachable] and non-2xx responses to [*Error], and decodes the
// response body into out when non-nil.
func (c *Client) send(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response of %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// responseError builds an [*Error] from a non-2xx response, preferring the
// server's error message when the body carries one.
func responseError(resp *http.Response) error {
	msg := resp.Status
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			msg = body.Error
		} else if body.Message != "" {
			msg = body.Message
		}
	}
	return &Error{Status: resp.StatusCode, Message: msg}
}
