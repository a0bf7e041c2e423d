package tallykit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
)

type bindHitRequest struct {
	PageName string `json:"page_name" validate:"omitempty,max=20,safe"`
	Referrer string `json:"referrer" validate:"omitempty,url"`
}

type bindListRequest struct {
	Limit int    `query:"limit" validate:"omitempty,min=1,max=100"`
	Type  string `query:"type" validate:"omitempty,oneof=csrf_mismatch xss_attempt"`
}

func bindJSONHandler(optional bool) http.Handler {
	return Handler()(Binder()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var req bindHitRequest
		bind := JSON
		if optional {
			bind = OptionalJSON
		}
		if !bind(r, &req) {
			return
		}
		SetResponse(r, http.StatusOK, req)
	})))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var resp struct {
		Error APIError `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.Error
}

func TestJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		optional   bool
		wantStatus int
		wantCode   string
		wantParam  string
	}{
		{"valid", `{"page_name":"home","referrer":"https://example.com/"}`, false, http.StatusOK, "", ""},
		{"malformed", `{"page_name":`, false, http.StatusBadRequest, "bad_request", ""},
		{"empty body", ``, false, http.StatusBadRequest, "bad_request", ""},
		{"empty body optional", ``, true, http.StatusOK, "", ""},
		{"too long", `{"page_name":"` + strings.Repeat("x", 21) + `"}`, false, http.StatusBadRequest, "invalid_request", "page_name"},
		{"bad url", `{"referrer":"not a url"}`, false, http.StatusBadRequest, "invalid_request", "referrer"},
		{"script", `{"page_name":"<script>x</script>"}`, false, http.StatusBadRequest, "invalid_request", "page_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			bindJSONHandler(tt.optional).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantCode == "" {
				return
			}
			apiErr := decodeError(t, rec)
			if apiErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", apiErr.Code, tt.wantCode)
			}
			if tt.wantParam != "" && (len(apiErr.Errors) != 1 || apiErr.Errors[0].Param != tt.wantParam) {
				t.Errorf("errors = %+v, want one for %s", apiErr.Errors, tt.wantParam)
			}
		})
	}
}

func TestJSON_SafeMessage(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"page_name":"javascript:alert(1)"}`))
	rec := httptest.NewRecorder()
	bindJSONHandler(false).ServeHTTP(rec, req)

	apiErr := decodeError(t, rec)
	if len(apiErr.Errors) != 1 || apiErr.Errors[0].Code != "safe" || apiErr.Errors[0].Message != "contains disallowed content" {
		t.Errorf("errors = %+v", apiErr.Errors)
	}
}

func TestJSON_BodyTooLarge(t *testing.T) {
	handler := Handler()(MaxBodySize(10)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var req bindHitRequest
		if !JSON(r, &req) {
			return
		}
		SetResponse(r, http.StatusOK, req)
	})))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"page_name":"home"}`))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if apiErr := decodeError(t, rec); apiErr.Code != "payload_too_large" {
		t.Errorf("code = %s, want payload_too_large", apiErr.Code)
	}
}

func TestQuery(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		want       bindListRequest
	}{
		{"empty", "", http.StatusOK, bindListRequest{}},
		{"valid", "?limit=10&type=xss_attempt", http.StatusOK, bindListRequest{Limit: 10, Type: "xss_attempt"}},
		{"out of range", "?limit=500", http.StatusBadRequest, bindListRequest{}},
		{"not a number", "?limit=ten", http.StatusBadRequest, bindListRequest{}},
		{"unknown type", "?type=other", http.StatusBadRequest, bindListRequest{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				var req bindListRequest
				if !Query(r, &req) {
					return
				}
				SetResponse(r, http.StatusOK, req)
			}))
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, http.NoBody)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got bindListRequest
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("bound %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestQuery_InvalidDestination(t *testing.T) {
	n := 0
	for _, dest := range []any{nil, bindListRequest{}, &n} {
		handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			if Query(r, dest) {
				SetResponse(r, http.StatusOK, nil)
			}
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?limit=1", http.NoBody))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Query(%T) status = %d, want 400", dest, rec.Code)
		}
	}
}

func TestBinder_Formatter(t *testing.T) {
	formatter := func(field, tag, _ string) string {
		return field + " failed " + tag
	}
	handler := Handler()(Binder(BindWithFormatter(formatter))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var req bindHitRequest
		if !JSON(r, &req) {
			return
		}
		SetResponse(r, http.StatusOK, req)
	})))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"referrer":"nope"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	apiErr := decodeError(t, rec)
	if len(apiErr.Errors) != 1 || apiErr.Errors[0].Message != "referrer failed url" {
		t.Errorf("errors = %+v", apiErr.Errors)
	}
}

func TestRegisterValidation(t *testing.T) {
	if err := RegisterValidation("giveaway_id", func(fl validator.FieldLevel) bool {
		return strings.HasPrefix(fl.Field().String(), "gw_")
	}); err != nil {
		t.Fatalf("RegisterValidation() error = %v", err)
	}

	type drawRequest struct {
		ID string `json:"id" validate:"giveaway_id"`
	}
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var req drawRequest
		if !JSON(r, &req) {
			return
		}
		SetResponse(r, http.StatusOK, req)
	}))

	for body, want := range map[string]int{
		`{"id":"gw_spring"}`: http.StatusOK,
		`{"id":"spring"}`:    http.StatusBadRequest,
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		if rec.Code != want {
			t.Errorf("%s: status = %d, want %d", body, rec.Code, want)
		}
	}
}
