package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/matrxe/twin-service/internal/api/storage"
)

func DecodeTwinCursor(cursorStr string) (*storage.TwinCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &storage.TwinCursor{
		CreatedAt: time.Unix(0, createdAt),
		TwinID:    decodedParts[1],
	}, nil
}

func EncodeTwinCursor(cursor *storage.TwinCursor) (string, error) {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.TwinID)
	return base64.StdEncoding.EncodeToString([]byte(cs)), nil
}
