package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/woundscan/internal/capture"
	"github.com/example/woundscan/internal/repository"
	"github.com/example/woundscan/internal/usecase"
)

// MaxUploadSize is the default largest accepted image.
const MaxUploadSize = 10 << 20

// IdempotencyHeader carries the client's submission key.
const IdempotencyHeader = "Idempotency-Key"

// Submitter runs capture submissions.
type Submitter interface {
	Submit(ctx context.Context, req usecase.SubmitRequest) (*repository.CaptureRecord, error)
}

// HistoryLister lists the caller's captures.
type HistoryLister interface {
	List(ctx context.Context, domain capture.Domain) ([]repository.CaptureRecord, error)
}

var errTooLarge = errors.New("image exceeds maximum upload size")

type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string { return e.message }

// RegisterRoutes wires the HTTP handlers to the Gin router. Images larger than maxUploadBytes
// are rejected; maxUploadBytes <= 0 means MaxUploadSize.
func RegisterRoutes(router *gin.Engine, submitter Submitter, history HistoryLister, authMiddleware gin.HandlerFunc, maxUploadBytes int64) {
	if maxUploadBytes <= 0 {
		maxUploadBytes = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", authMiddleware)
	for _, domain := range capture.Domains() {
		path := "/" + string(domain) + "-history"
		api.POST(path, submitHandler(submitter, domain, maxUploadBytes))
		api.GET(path, historyHandler(history, domain))
	}
}

func submitHandler(submitter Submitter, domain capture.Domain, limit int64) gin.HandlerFunc {
	// Room for multipart boundaries and base64 expansion on top of the image itself.
	bodyLimit := limit + limit/3 + 1<<20

	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, bodyLimit)

		image, err := readImage(c, limit)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) {
				c.JSON(se.status, gin.H{"error": se.message})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		record, err := submitter.Submit(c.Request.Context(), usecase.SubmitRequest{
			Domain:         domain,
			Image:          image,
			IdempotencyKey: strings.TrimSpace(c.GetHeader(IdempotencyHeader)),
		})
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
	}
}

func historyHandler(history HistoryLister, domain capture.Domain) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := history.List(c.Request.Context(), domain)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": records})
	}
}

// readImage accepts a multipart "image" file or a JSON {"image": "<data URL or base64>"} body.
func readImage(c *gin.Context, limit int64) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		return readMultipartImage(c, limit)
	case "application/json":
		return readJSONImage(c, limit)
	default:
		return nil, &statusError{http.StatusUnsupportedMediaType, "content type must be multipart/form-data or application/json"}
	}
}

func readMultipartImage(c *gin.Context, limit int64) ([]byte, error) {
	file, err := c.FormFile("image")
	if err != nil {
		if isTooLarge(err) {
			return nil, &statusError{http.StatusRequestEntityTooLarge, errTooLarge.Error()}
		}
		return nil, errors.New("image file is required")
	}
	if file.Size > limit {
		return nil, &statusError{http.StatusRequestEntityTooLarge, errTooLarge.Error()}
	}
	if !isImageType(file.Header.Get("Content-Type")) {
		return nil, &statusError{http.StatusUnsupportedMediaType, "unsupported image content type"}
	}

	src, err := file.Open()
	if err != nil {
		return nil, errors.New("unable to open image")
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, errors.New("failed to read image")
	}
	if int64(len(data)) > limit {
		return nil, &statusError{http.StatusRequestEntityTooLarge, errTooLarge.Error()}
	}
	return data, nil
}

type jsonImageRequest struct {
	Image string `json:"image" binding:"required"`
}

func readJSONImage(c *gin.Context, limit int64) ([]byte, error) {
	var body jsonImageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		if isTooLarge(err) {
			return nil, &statusError{http.StatusRequestEntityTooLarge, errTooLarge.Error()}
		}
		return nil, errors.New("image is required")
	}

	payload := strings.TrimSpace(body.Image)
	if strings.HasPrefix(payload, "data:") {
		header, encoded, ok := strings.Cut(payload[len("data:"):], ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, errors.New("image must be a base64 data URL")
		}
		if !isImageType(strings.TrimSuffix(header, ";base64")) {
			return nil, &statusError{http.StatusUnsupportedMediaType, "unsupported image content type"}
		}
		payload = encoded
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil {
		return nil, errors.New("image is not valid base64")
	}
	if int64(len(data)) > limit {
		return nil, &statusError{http.StatusRequestEntityTooLarge, errTooLarge.Error()}
	}
	return data, nil
}

func isImageType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.HasPrefix(mediaType, "image/")
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func writeError(c *gin.Context, err error) {
	var capErr *capture.Error
	if !errors.As(err, &capErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}

	switch capErr.Kind {
	case capture.KindAuthentication:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	case capture.KindIdentityNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
	case capture.KindInProgress:
		c.JSON(http.StatusConflict, gin.H{
			"error":     capErr.Detail,
			"kind":      capErr.Kind,
			"retryable": capErr.Retryable,
		})
	default:
		details := capErr.Detail
		if capErr.Err != nil {
			details = capErr.Err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     capErr.Detail,
			"details":   details,
			"kind":      capErr.Kind,
			"retryable": capErr.Retryable,
		})
	}
}
