package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIVersion     = "v59.0"
	DefaultWeborderObject = "Weborder__c"
	DefaultPhoneField     = "Eindklant_Telefoonnummer__c"
	DefaultStatusField    = "Status__c"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// APIError is a non-2xx REST answer. Salesforce reports errors as a list;
// the first entry is kept.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("salesforce request failed: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("salesforce request failed: status=%d message=%s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed unchanged later. The
// relay engine retries only temporary failures.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 ||
		e.ErrorCode == "REQUEST_LIMIT_EXCEEDED" || e.ErrorCode == "UNABLE_TO_LOCK_ROW"
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Options struct {
	InstanceURL string
	AccessToken string
	APIVersion  string
	HTTPClient  *http.Client

	WeborderObject string
	PhoneField     string
	StatusField    string
	// StatusFilter restricts lookups to records with this status when set.
	StatusFilter string
	// MatchNewest returns only the newest matching record instead of every
	// candidate whose number matches.
	MatchNewest bool

	// RequestsPerSecond caps outgoing calls; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	Logger            *slog.Logger
}

// Client talks to the Salesforce REST API with a ready access token.
type Client struct {
	baseURL     string
	accessToken string
	apiVersion  string
	httpClient  *http.Client
	limiter     *rate.Limiter

	object       string
	phoneField   string
	statusField  string
	statusFilter string
	matchNewest  bool
	logger       *slog.Logger
}

func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.InstanceURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: salesforce instance url is required", ErrInvalidInput)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: salesforce instance url: %v", ErrInvalidInput, err)
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	if !strings.HasPrefix(apiVersion, "v") {
		apiVersion = "v" + apiVersion
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	object := firstNonEmpty(opts.WeborderObject, DefaultWeborderObject)
	phoneField := firstNonEmpty(opts.PhoneField, DefaultPhoneField)
	statusField := firstNonEmpty(opts.StatusField, DefaultStatusField)
	for _, identifier := range []string{object, phoneField, statusField} {
		if !identifierPattern.MatchString(identifier) {
			return nil, fmt.Errorf("%w: invalid salesforce identifier %q", ErrInvalidInput, identifier)
		}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      baseURL,
		accessToken:  strings.TrimSpace(opts.AccessToken),
		apiVersion:   apiVersion,
		httpClient:   httpClient,
		limiter:      limiter,
		object:       object,
		phoneField:   phoneField,
		statusField:  statusField,
		statusFilter: strings.TrimSpace(opts.StatusFilter),
		matchNewest:  opts.MatchNewest,
		logger:       logger,
	}, nil
}

type Record map[string]any

func (r Record) String(field string) string {
	value, _ := r[field].(string)
	return value
}

type QueryResult struct {
	TotalSize int      `json:"totalSize"`
	Done      bool     `json:"done"`
	Records   []Record `json:"records"`
}

// Query runs one SOQL statement. Only the first result batch is returned.
func (c *Client) Query(ctx context.Context, soql string) (QueryResult, error) {
	var result QueryResult
	path := c.dataPath("/query?q=" + url.QueryEscape(soql))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

type Organization struct {
	ID   string
	Name string
}

func (c *Client) Organization(ctx context.Context) (Organization, error) {
	result, err := c.Query(ctx, "SELECT Id, Name FROM Organization LIMIT 1")
	if err != nil {
		return Organization{}, err
	}
	if len(result.Records) == 0 {
		return Organization{}, ErrNotFound
	}
	return Organization{ID: result.Records[0].String("Id"), Name: result.Records[0].String("Name")}, nil
}

func (c *Client) dataPath(suffix string) string {
	return "/services/data/" + c.apiVersion + suffix
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	if c.accessToken == "" {
		return fmt.Errorf("%w: salesforce access token is required", ErrInvalidInput)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}
	return newAPIError(resp.StatusCode, payload)
}

func newAPIError(status int, payload []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(payload))}
	var list []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if json.Unmarshal(payload, &list) == nil && len(list) > 0 {
		apiErr.ErrorCode = list[0].ErrorCode
		apiErr.Message = list[0].Message
		return apiErr
	}
	var single struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(payload, &single) == nil && single.Error != "" {
		apiErr.ErrorCode = single.Error
		apiErr.Message = single.ErrorDescription
	}
	return apiErr
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
