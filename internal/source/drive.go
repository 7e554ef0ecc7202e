package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cloud-importer/internal/circuitbreaker"
	"github.com/cloud-importer/internal/logging"
	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/ratelimit"
	"github.com/cloud-importer/internal/retry"
	"golang.org/x/time/rate"
)

const (
	drivePageSize = 100
	driveFields   = "nextPageToken,files(id,name,mimeType,size)"
)

// HTTPError is a non-2xx answer from the Drive API
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("drive API returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("drive API returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if repeated
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// DriveConfig configures the Drive client
type DriveConfig struct {
	APIBase           string
	RequestsPerSecond float64
	Timeout           time.Duration
	Retry             *retry.Config
	// Budget is shared with other replicas. Nil means only the local limiter applies.
	Budget Budget
}

// Budget gates requests against a request budget shared across processes
type Budget interface {
	Wait(ctx context.Context, cost int, priority ratelimit.Priority) error
}

// DriveClient reads folders and files through the Drive v3 REST API
type DriveClient struct {
	apiBase string
	client  *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
	budget  Budget
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.Config
}

// NewDriveClient creates a Drive client
func NewDriveClient(cfg DriveConfig, tokens TokenSource) *DriveClient {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://www.googleapis.com/drive/v3"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	retryCfg := retry.DefaultConfig()
	if cfg.Retry != nil {
		copied := *cfg.Retry
		retryCfg = &copied
	}
	retryCfg.Retryable = isTemporary

	return &DriveClient{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		budget:  cfg.Budget,
		breaker: circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Name:        "google_drive",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			IsFailure:   isTemporary,
		}),
		retry: retryCfg,
	}
}

func isTemporary(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Temporary()
	}
	switch {
	case errors.Is(err, ErrFileNotFound), errors.Is(err, ErrEmptyFile),
		errors.Is(err, ErrNoCredentials), errors.Is(err, context.Canceled):
		return false
	}
	return !retry.IsPermanent(err)
}

type driveFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     string `json:"size"`
}

type driveListResponse struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

type driveErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ListFiles lists the non-trashed files directly inside a folder, ordered by name
func (c *DriveClient) ListFiles(ctx context.Context, folderRef string, limit int) ([]models.FileDescriptor, error) {
	folderID, err := ParseFolderRef(folderRef)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx).WithField("folder_id", folderID)
	files := make([]models.FileDescriptor, 0)
	pageToken := ""

	for limit <= 0 || len(files) < limit {
		pageSize := drivePageSize
		if limit > 0 && limit-len(files) < pageSize {
			pageSize = limit - len(files)
		}

		q := url.Values{
			"q":                         {fmt.Sprintf("'%s' in parents and trashed = false", folderID)},
			"pageSize":                  {strconv.Itoa(pageSize)},
			"fields":                    {driveFields},
			"orderBy":                   {"name"},
			"supportsAllDrives":         {"true"},
			"includeItemsFromAllDrives": {"true"},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page driveListResponse
		err := c.do(ctx, ratelimit.PriorityHigh, c.apiBase+"/files?"+q.Encode(), func(body io.Reader) error {
			return json.NewDecoder(body).Decode(&page)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list folder %s: %w", folderID, err)
		}

		for _, f := range page.Files {
			if strings.HasPrefix(f.MimeType, "application/vnd.google-apps.") {
				continue
			}
			size, _ := strconv.ParseInt(f.Size, 10, 64)
			files = append(files, models.FileDescriptor{
				SourceID:    f.ID,
				DisplayName: f.Name,
				MimeHint:    f.MimeType,
				Size:        size,
			})
			if limit > 0 && len(files) == limit {
				break
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	logger.WithField("count", len(files)).Info("Listed Drive folder")
	return files, nil
}

// Fetch downloads a file's content with alt=media
func (c *DriveClient) Fetch(ctx context.Context, sourceID string, w io.Writer) (int64, error) {
	var n int64
	err := c.do(ctx, ratelimit.PriorityLow, c.apiBase+"/files/"+url.PathEscape(sourceID)+"?alt=media", func(body io.Reader) error {
		var copyErr error
		n, copyErr = io.Copy(w, body)
		return copyErr
	})
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, ErrEmptyFile
	}
	return n, nil
}

// do runs one GET through the limiters, circuit breaker and retry policy.
// read is called once with the body of the successful response.
func (c *DriveClient) do(ctx context.Context, priority ratelimit.Priority, rawURL string, read func(io.Reader) error) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		return c.breaker.Execute(ctx, func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			if c.budget != nil {
				if err := c.budget.Wait(ctx, 1, priority); err != nil {
					return err
				}
			}
			token, err := c.tokens.Token(ctx)
			if err != nil {
				return retry.Permanent(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return retry.Permanent(err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Accept", "*/*")

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return retry.Permanent(ErrFileNotFound)
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				var body driveErrorResponse
				_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
				he := &HTTPError{StatusCode: resp.StatusCode, Message: body.Error.Message}
				if !he.Temporary() {
					return retry.Permanent(he)
				}
				return he
			}

			if err := read(resp.Body); err != nil {
				return retry.Permanent(fmt.Errorf("failed to read response: %w", err))
			}
			return nil
		})
	})
}
