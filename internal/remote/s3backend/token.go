package s3backend

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/gophtransfer/internal/remote"
)

// confirmToken is what an opaque confirm key decodes to.
type confirmToken struct {
	Final    string                `json:"k"`
	Staging  string                `json:"s"`
	UploadID string                `json:"u,omitempty"`
	Session  string                `json:"sid"`
	Conflict remote.ConflictPolicy `json:"c"`
}

func (t confirmToken) encode() string {
	b, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeToken(key string) (confirmToken, error) {
	var t confirmToken

	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return t, fmt.Errorf("%w: malformed confirm key", remote.ErrInvalidArgument)
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("%w: malformed confirm key", remote.ErrInvalidArgument)
	}
	if t.Final == "" || t.Staging == "" || t.Session == "" {
		return t, fmt.Errorf("%w: incomplete confirm key", remote.ErrInvalidArgument)
	}
	return t, nil
}

func (t confirmToken) multipart() bool {
	return t.UploadID != ""
}
