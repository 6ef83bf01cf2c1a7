package dto

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/matrxe/twin-service/internal/api/domain"
)

// Limits holds the ingestion validation settings derived from config
type Limits struct {
	MaxVoiceSampleBytes int64
	MaxFaceImageBytes   int64
	MaxFaceImages       int
	DefaultLanguage     string
	SupportedLanguages  []string
}

// Attachment is one uploaded blob, classified by role
type Attachment struct {
	Role        string
	Filename    string
	ContentType string
	Data        []byte
}

// CreateTwinRequest is the parsed and validated ingestion input
type CreateTwinRequest struct {
	Name            string
	Description     string
	Language        string
	VoiceSettings   json.RawMessage
	PersonalityTags []string
	VoiceSample     *Attachment
	FaceImages      []*Attachment
}

// HasAttachments reports whether any blob needs processing
func (r *CreateTwinRequest) HasAttachments() bool {
	return r.VoiceSample != nil || len(r.FaceImages) > 0
}

// CreateTwinResponse is the 201 body: the id plus the twin's actual
// persisted status, never an optimistic one
type CreateTwinResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// TwinResponse is the full read model of a twin
type TwinResponse struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Language        string          `json:"language"`
	VoiceSettings   json.RawMessage `json:"voice_settings,omitempty"`
	PersonalityTags []string        `json:"personality_tags,omitempty"`
	Status          string          `json:"status"`
	VoiceSampleKey  string          `json:"voice_sample_key,omitempty"`
	FaceImageKeys   []string        `json:"face_image_keys,omitempty"`
	ArtifactKey     string          `json:"artifact_key,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

// ListTwinsRequest carries the list query parameters
type ListTwinsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListTwinsResponse is a cursor-paginated page of twins
type ListTwinsResponse struct {
	Twins      []TwinResponse `json:"twins"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ProcessingStatusResponse is the detailed pipeline view of one twin
type ProcessingStatusResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	ArtifactKey string `json:"artifact_key,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	HeartbeatAt string `json:"heartbeat_at,omitempty"`
}

// PresignRequest asks for a direct-upload grant
type PresignRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

const maxNameLength = 255

// ParseCreateTwin validates a multipart form into a CreateTwinRequest.
// Field errors come back as *domain.ValidationError, attachment size
// violations as *domain.PayloadTooLargeError.
func ParseCreateTwin(form *multipart.Form, limits Limits) (*CreateTwinRequest, error) {
	req := &CreateTwinRequest{}

	name := strings.TrimSpace(formValue(form, "name"))
	if name == "" {
		return nil, domain.NewValidationError("name", "required")
	}
	if len(name) > maxNameLength {
		return nil, domain.NewValidationError("name", "must be at most 255 characters")
	}
	req.Name = name

	req.Description = strings.TrimSpace(formValue(form, "description"))

	language := strings.TrimSpace(formValue(form, "language"))
	if language == "" {
		language = limits.DefaultLanguage
	} else if !supportedLanguage(language, limits.SupportedLanguages) {
		return nil, domain.NewValidationError("language", "unsupported language tag")
	}
	req.Language = language

	if raw := formValue(form, "voice_settings"); raw != "" {
		settings, err := decodeJSONObject(raw)
		if err != nil {
			return nil, domain.NewValidationError("voice_settings", "must be a JSON object")
		}
		req.VoiceSettings = settings
	}

	if raw := formValue(form, "personality_tags"); raw != "" {
		tags, err := decodeStringArray(raw)
		if err != nil {
			return nil, domain.NewValidationError("personality_tags", "must be a JSON array of strings")
		}
		req.PersonalityTags = tags
	}

	voiceFiles := form.File["voice_sample"]
	if len(voiceFiles) > 1 {
		return nil, domain.NewValidationError("voice_sample", "at most one voice sample is allowed")
	}
	if len(voiceFiles) == 1 {
		att, err := readAttachment(voiceFiles[0], domain.RoleVoiceSample, "audio/", limits.MaxVoiceSampleBytes)
		if err != nil {
			return nil, err
		}
		req.VoiceSample = att
	}

	faceFiles := form.File["face_images"]
	if len(faceFiles) > limits.MaxFaceImages {
		return nil, domain.NewValidationError("face_images", "too many face images")
	}
	for _, fh := range faceFiles {
		att, err := readAttachment(fh, domain.RoleFaceImage, "image/", limits.MaxFaceImageBytes)
		if err != nil {
			return nil, err
		}
		req.FaceImages = append(req.FaceImages, att)
	}

	return req, nil
}

func formValue(form *multipart.Form, field string) string {
	values := form.Value[field]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func supportedLanguage(tag string, supported []string) bool {
	for _, s := range supported {
		if s == tag {
			return true
		}
	}
	return false
}

// decodeJSONObject rejects anything but a well-formed JSON object, including
// trailing garbage after the object
func decodeJSONObject(raw string) (json.RawMessage, error) {
	dec := json.NewDecoder(strings.NewReader(raw))

	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, domain.NewValidationError("voice_settings", "trailing data")
	}

	return json.RawMessage(raw), nil
}

func decodeStringArray(raw string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(raw))

	var tags []string
	if err := dec.Decode(&tags); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, domain.NewValidationError("personality_tags", "trailing data")
	}

	return tags, nil
}

func readAttachment(fh *multipart.FileHeader, role, wantMIMEPrefix string, limit int64) (*Attachment, error) {
	if fh.Size > limit {
		return nil, &domain.PayloadTooLargeError{Field: role, Size: fh.Size, Limit: limit}
	}

	f, err := fh.Open()
	if err != nil {
		return nil, domain.NewValidationError(role, "unreadable attachment")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, domain.NewValidationError(role, "unreadable attachment")
	}
	if int64(len(data)) > limit {
		return nil, &domain.PayloadTooLargeError{Field: role, Size: int64(len(data)), Limit: limit}
	}

	// Sniff the content rather than trusting the client-sent header
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, wantMIMEPrefix) {
		// Fall back to the declared type for formats the sniffer does not
		// know (e.g. some audio containers detect as octet-stream)
		declared := fh.Header.Get("Content-Type")
		if !strings.HasPrefix(declared, wantMIMEPrefix) || contentType != "application/octet-stream" {
			return nil, domain.NewValidationError(role, "unexpected content type "+contentType)
		}
		contentType = declared
	}

	return &Attachment{
		Role:        role,
		Filename:    fh.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}
