package link

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"track-agent/internal/location"
)

// Record es lo que viaja al servidor por cada fix.
type Record struct {
	ID      string       `json:"id"`
	RiderID int          `json:"rider_id"`
	APIKey  string       `json:"api_key"`
	Fix     location.Fix `json:"fix"`
}

func NewRecord(riderID int, apiKey string, fix location.Fix) Record {
	return Record{
		ID:      uuid.NewString(),
		RiderID: riderID,
		APIKey:  apiKey,
		Fix:     fix,
	}
}

func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Struct converts the record to a protobuf Struct with the same field names
// as the JSON encoding.
func (r Record) Struct() (*structpb.Struct, error) {
	b, err := r.Marshal()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("record to struct: %w", err)
	}
	return s, nil
}
