package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var labelKeys = []string{"name", "label", "title", "full_name"}

// decodeItems accepts a bare array, {"data": [...]} or a paginated
// {"data": {"data": [...]}} payload and returns the list items. Non-object items are
// skipped.
func decodeItems(body []byte) ([]map[string]interface{}, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []map[string]interface{}{}, nil
	}
	var root interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	list, ok := unwrapList(root, 2)
	if !ok {
		return nil, fmt.Errorf("decode payload: expected a list or a data envelope")
	}
	items := make([]map[string]interface{}, 0, len(list))
	for _, raw := range list {
		if item, ok := raw.(map[string]interface{}); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func unwrapList(v interface{}, depth int) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case map[string]interface{}:
		if depth == 0 {
			return nil, false
		}
		data, ok := t["data"]
		if !ok {
			return nil, false
		}
		if data == nil {
			return []interface{}{}, true
		}
		return unwrapList(data, depth-1)
	case nil:
		return []interface{}{}, true
	}
	return nil, false
}

// decodeObject returns the object payload, unwrapping a single {"data": {...}} envelope.
func decodeObject(body []byte) (map[string]interface{}, error) {
	var root map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(body)))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if data, ok := root["data"].(map[string]interface{}); ok {
		if _, hasRecords := root["updated_records"]; !hasRecords {
			if _, hasMessage := root["message"]; hasMessage {
				data["message"] = root["message"]
			}
			return data, nil
		}
	}
	return root, nil
}

func itemLabel(item map[string]interface{}) string {
	for _, key := range labelKeys {
		if label := scalarString(item[key]); label != "" {
			return label
		}
	}
	first := scalarString(item["first_name"])
	last := scalarString(item["last_name"])
	return strings.TrimSpace(first + " " + last)
}

// errorMessage extracts a human readable message from an error payload. It looks at
// "message", then "error" as a string, then "error.message".
func errorMessage(body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(body), &payload); err != nil {
		return ""
	}
	if msg := scalarString(payload["message"]); msg != "" {
		return msg
	}
	switch e := payload["error"].(type) {
	case string:
		return strings.TrimSpace(e)
	case map[string]interface{}:
		return scalarString(e["message"])
	}
	return ""
}

// scalarString renders a JSON scalar as text. Numbers keep their wire form, so a
// server sending 82.00 yields "82.00".
func scalarString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]interface{}, []interface{}:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
