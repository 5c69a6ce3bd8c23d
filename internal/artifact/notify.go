package artifact

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// s3Event mirrors the relevant slice of an S3 event notification document as
// delivered through the events sink.
type s3Event struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// DecodeNotification extracts the written object keys from a raw S3 event
// notification body. Keys arrive URL-encoded and are decoded here.
func DecodeNotification(body []byte) ([]string, error) {
	var event s3Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decoding event notification: %w", err)
	}
	keys := make([]string, 0, len(event.Records))
	for _, record := range event.Records {
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("unescaping object key %q: %w", record.S3.Object.Key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
