package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/syncapi"
)

// parentField names the payload field that references the parent record.
func parentField(entity models.EntityType) (string, models.EntityType, bool) {
	switch entity {
	case models.EntityVisit:
		return "client", models.EntityClient, true
	case models.EntityPayment:
		return "visit", models.EntityVisit, true
	}
	return "", "", false
}

// childOf returns the entity whose payloads reference entity.
func childOf(entity models.EntityType) (models.EntityType, bool) {
	switch entity {
	case models.EntityClient:
		return models.EntityVisit, true
	case models.EntityVisit:
		return models.EntityPayment, true
	}
	return "", false
}

// readRef extracts the parent reference from a payload. ok is false when
// the payload has no such field.
func readRef(payload json.RawMessage, field string) (syncapi.Ref, bool, error) {
	if len(payload) == 0 {
		return syncapi.Ref{}, false, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return syncapi.Ref{}, false, fmt.Errorf("failed to decode payload: %w", err)
	}
	raw, ok := fields[field]
	if !ok {
		return syncapi.Ref{}, false, nil
	}
	var ref syncapi.Ref
	if err := json.Unmarshal(raw, &ref); err != nil {
		return syncapi.Ref{}, false, fmt.Errorf("failed to decode %s reference: %w", field, err)
	}
	return ref, true, nil
}

// writeRef replaces the parent reference in payload, keeping every other
// field as is.
func writeRef(payload json.RawMessage, field string, ref syncapi.Ref) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	raw, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	fields[field] = raw
	return json.Marshal(fields)
}
