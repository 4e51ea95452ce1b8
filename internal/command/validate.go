package command

import (
	"fmt"
	"strings"
)

// paramSpec describes one expected key in a command payload.
type paramSpec struct {
	key      string
	kind     paramKind
	required bool
}

type paramKind int

const (
	kindString paramKind = iota
	kindNumber
	kindBool
)

// typeValidators is the closed command-type enumeration with the payload
// schema each type accepts. Validation produces one canonical Params map;
// nothing downstream ever branches on alternative payload shapes.
var typeValidators = map[Type][]paramSpec{
	TypeReboot:    nil,
	TypeLock:      {{key: "message", kind: kindString}},
	TypeWipe:      {{key: "confirm", kind: kindBool, required: true}},
	TypeFetchInfo: nil,
	TypeFetchApps: nil,
	TypeFetchContacts: nil,
	TypeFetchSMS: {
		{key: "since", kind: kindString},
		{key: "limit", kind: kindNumber},
	},
	TypeFetchCallLogs: {
		{key: "since", kind: kindString},
		{key: "limit", kind: kindNumber},
	},
	TypeFetchLocation: {{key: "highAccuracy", kind: kindBool}},
	TypeTakePhoto:     {{key: "camera", kind: kindString}},
	TypeRecordAudio:   {{key: "durationSeconds", kind: kindNumber, required: true}},
	TypeRecordVideo: {
		{key: "durationSeconds", kind: kindNumber, required: true},
		{key: "camera", kind: kindString},
	},
	TypeExecuteShell: {{key: "script", kind: kindString, required: true}},
	TypeSendSMS: {
		{key: "to", kind: kindString, required: true},
		{key: "body", kind: kindString, required: true},
	},
	TypeMakeCall:       {{key: "number", kind: kindString, required: true}},
	TypeCheckUpdate:    nil,
	TypeDownloadUpdate: {{key: "url", kind: kindString, required: true}},
	TypeInstallUpdate:  {{key: "version", kind: kindString}},
}

// ValidateParams checks a raw payload against the schema for the given
// command type and returns the canonical params containing only the known
// keys. It returns ErrInvalidParams (wrapped with detail) when the type is
// unknown, a required key is missing, an unknown key is present, or a value
// has the wrong shape.
func ValidateParams(t Type, raw map[string]any) (Params, error) {
	specs, ok := typeValidators[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidParams, t)
	}

	byKey := make(map[string]paramSpec, len(specs))
	for _, spec := range specs {
		byKey[spec.key] = spec
	}

	for key := range raw {
		if _, ok := byKey[key]; !ok {
			return nil, fmt.Errorf("%w: unexpected key %q for %s", ErrInvalidParams, key, t)
		}
	}

	canonical := make(Params, len(specs))
	for _, spec := range specs {
		value, present := raw[spec.key]
		if !present {
			if spec.required {
				return nil, fmt.Errorf("%w: missing required key %q for %s", ErrInvalidParams, spec.key, t)
			}
			continue
		}
		checked, err := coerceParam(spec, value)
		if err != nil {
			return nil, err
		}
		canonical[spec.key] = checked
	}

	return canonical, nil
}

func coerceParam(spec paramSpec, value any) (any, error) {
	switch spec.kind {
	case kindString:
		s, ok := value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%w: key %q must be a non-empty string", ErrInvalidParams, spec.key)
		}
		return s, nil
	case kindNumber:
		// JSON numbers decode as float64.
		switch n := value.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		}
		return nil, fmt.Errorf("%w: key %q must be a number", ErrInvalidParams, spec.key)
	case kindBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: key %q must be a boolean", ErrInvalidParams, spec.key)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: key %q has unsupported kind", ErrInvalidParams, spec.key)
}
