package jubensdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"github.com/GongLingRui/juben-go/retry"
)

// UploadedFile describes a file stored by the backend.
type UploadedFile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// OCRTaskStatus is the lifecycle state of an OCR extraction task.
type OCRTaskStatus string

const (
	OCRTaskPending   OCRTaskStatus = "pending"
	OCRTaskRunning   OCRTaskStatus = "running"
	OCRTaskCompleted OCRTaskStatus = "completed"
	OCRTaskFailed    OCRTaskStatus = "failed"
)

// OCRTask is the result of text extraction from an uploaded file.
type OCRTask struct {
	FileID string        `json:"file_id"`
	Status OCRTaskStatus `json:"status"`
	Text   string        `json:"text,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// UploadFile uploads a file as multipart form data. The backend kicks
// off OCR extraction asynchronously; poll GetOCRTask for the result.
func (c *Client) UploadFile(ctx context.Context, name string, content io.Reader) (UploadedFile, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return UploadedFile{}, xerrors.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return UploadedFile{}, xerrors.Errorf("copy file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return UploadedFile{}, xerrors.Errorf("finalize multipart body: %w", err)
	}

	res, err := c.Request(ctx, http.MethodPost, "/api/juben/files", &buf,
		WithContentType(writer.FormDataContentType()))
	if err != nil {
		return UploadedFile{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return UploadedFile{}, ReadBodyAsError(res)
	}
	var file UploadedFile
	return file, json.NewDecoder(res.Body).Decode(&file)
}

// GetOCRTask returns the OCR task state for an uploaded file.
func (c *Client) GetOCRTask(ctx context.Context, fileID string) (OCRTask, error) {
	res := retry.Do(ctx, retry.Options{Logger: c.Logger}, func(ctx context.Context) (OCRTask, error) {
		res, err := c.Request(ctx, http.MethodGet, fmt.Sprintf("/api/juben/files/%s/ocr", fileID), nil)
		if err != nil {
			return OCRTask{}, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return OCRTask{}, ReadBodyAsError(res)
		}
		var task OCRTask
		return task, json.NewDecoder(res.Body).Decode(&task)
	})
	return res.Value, res.Err
}
