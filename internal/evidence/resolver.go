package evidence

import (
	"context"
	"fmt"
	"strings"

	"rebuttal/api/internal/store"
	"rebuttal/api/internal/templates"
)

// Stater reports whether an object exists at path.
type Stater interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// AttachmentPath is the canonical storage location for a dispute attachment.
func AttachmentPath(orgID, disputeID, attachmentType string) string {
	return fmt.Sprintf("orgs/%s/disputes/%s/attachments/%s", orgID, disputeID, strings.ToLower(attachmentType))
}

type Resolver struct {
	blobs Stater
}

func NewResolver(blobs Stater) *Resolver {
	return &Resolver{blobs: blobs}
}

func (r *Resolver) Resolve(ctx context.Context, dispute store.Dispute, spec templates.AttachmentSpec) (Attachment, error) {
	path := AttachmentPath(dispute.OrgID, dispute.ID, spec.Type)
	present, err := r.blobs.Exists(ctx, path)
	if err != nil {
		return Attachment{}, fmt.Errorf("stat attachment %s: %w", spec.Type, err)
	}
	return Attachment{
		Type:     spec.Type,
		Title:    spec.Title,
		Required: spec.Required,
		Present:  present,
		Path:     path,
	}, nil
}
