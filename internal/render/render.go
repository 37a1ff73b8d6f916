// Package render turns a composed packet into a stored PDF document.
package render

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	"rebuttal/api/internal/blob"
	"rebuttal/api/internal/evidence"
)

const (
	metaContentHash  = "Content-Hash"
	metaSubmissionID = "Submission-Id"
)

var (
	// ErrPDFDependencyMissing indicates no headless Chrome binary is available.
	ErrPDFDependencyMissing = errors.New("render: pdf dependency missing")
	// ErrArchiveConflict means a document already exists for the submission with different content.
	ErrArchiveConflict = errors.New("render: archived document has a different content hash")
)

// Document is one submission's renderable content.
type Document struct {
	ID                string
	OrgID             string
	DisputeID         string
	ProviderDisputeID string
	Classification    string
	Amount            string
	OrderNumber       string
	ContentHash       string
	Sections          []evidence.Section
	Attachments       []evidence.Attachment
}

// Title is the document heading and the basis of its download file name.
func (d Document) Title() string {
	return "Dispute evidence " + d.ProviderDisputeID
}

// Filename is the name the document is uploaded to providers under.
func (d Document) Filename() string {
	return sanitizeFilename(d.Title()) + ".pdf"
}

// DocumentPath is the canonical storage location of a rendered submission.
func DocumentPath(orgID, disputeID, submissionID string) string {
	return fmt.Sprintf("orgs/%s/disputes/%s/submissions/%s.pdf", orgID, disputeID, submissionID)
}

// PDFFunc converts an HTML page to PDF bytes.
type PDFFunc func(ctx context.Context, html string) ([]byte, error)

type objectStore interface {
	Stat(ctx context.Context, path string) (blob.Object, error)
	Put(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) error
}

type Renderer struct {
	blobs   objectStore
	pdf     PDFFunc
	timeout time.Duration
	logger  *slog.Logger
}

func NewRenderer(blobs objectStore, pdf PDFFunc, timeout time.Duration, logger *slog.Logger) *Renderer {
	if pdf == nil {
		pdf = ChromePDF
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{blobs: blobs, pdf: pdf, timeout: timeout, logger: logger}
}

// Render is idempotent per document ID: an existing object with the same content hash is reused.
func (r *Renderer) Render(ctx context.Context, doc Document) (string, error) {
	path := DocumentPath(doc.OrgID, doc.DisputeID, doc.ID)

	existing, err := r.blobs.Stat(ctx, path)
	switch {
	case err == nil:
		if hash := metadataValue(existing.UserMetadata, metaContentHash); hash != "" && hash != doc.ContentHash {
			return "", fmt.Errorf("%w: %s", ErrArchiveConflict, path)
		}
		r.logger.Debug("render reused archived document", "path", path)
		return path, nil
	case !errors.Is(err, blob.ErrNotFound):
		return "", fmt.Errorf("stat rendered document: %w", err)
	}

	html, err := RenderHTML(doc)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}

	pdfCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.pdf(pdfCtx, html)
	if err != nil {
		return "", fmt.Errorf("generate pdf: %w", err)
	}

	err = r.blobs.Put(ctx, path, data, "application/pdf", map[string]string{
		metaContentHash:  doc.ContentHash,
		metaSubmissionID: doc.ID,
	})
	if err != nil {
		return "", fmt.Errorf("store rendered document: %w", err)
	}
	r.logger.Info("rendered evidence document", "path", path, "bytes", len(data))
	return path, nil
}

// S3 user metadata keys come back canonicalized, so look them up case-insensitively.
func metadataValue(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) || strings.EqualFold(k, "X-Amz-Meta-"+key) {
			return v
		}
	}
	return ""
}

//go:embed templates/*.html
var templateFS embed.FS

var documentTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"humanize": func(key string) string {
			s := strings.ReplaceAll(key, "_", " ")
			if s == "" {
				return s
			}
			return strings.ToUpper(s[:1]) + s[1:]
		},
	}

	content, err := templateFS.ReadFile("templates/evidence.html")
	if err != nil {
		documentTemplate = template.Must(template.New("evidence").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	documentTemplate = template.Must(template.New("evidence").Funcs(funcMap).Parse(string(content)))
}

type templateData struct {
	Document
	Title string
}

func RenderHTML(doc Document) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, templateData{Document: doc, Title: doc.Title()}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body>
  <h1>{{.Title}}</h1>
  {{range .Sections}}<h2>{{.Title}}</h2><p>{{.Content}}</p>{{end}}
  <p>Submission {{.ID}} ({{.ContentHash}})</p>
</body>
</html>`
