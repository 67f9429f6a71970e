package agent

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

const truncatedMarker = "...[truncated]"

// serializeResult renders a tool result as the content of a tool turn
func serializeResult(res *tools.Result, maxBytes int) string {
	payload, err := json.Marshal(res)
	if err != nil {
		payload, _ = json.Marshal(tools.Fail("tool result could not be serialized: " + err.Error()))
	}
	return truncateResult(payload, maxBytes)
}

// truncateResult bounds a serialized tool result to maxBytes. When the
// result carries a summary or message field, at top level or under data,
// the output keeps it with _truncated and _originalSize set. Otherwise the
// payload is cut with a marker.
func truncateResult(payload []byte, maxBytes int) string {
	if maxBytes <= 0 || len(payload) <= maxBytes {
		return string(payload)
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err == nil {
		if out, ok := summarizeOversized(obj, len(payload)); ok && len(out) <= maxBytes {
			return string(out)
		}
	}

	cut := maxBytes - len(truncatedMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(payload[cut]) {
		cut--
	}
	return string(payload[:cut]) + truncatedMarker
}

func summarizeOversized(obj map[string]interface{}, originalSize int) ([]byte, bool) {
	kept := map[string]interface{}{
		"_truncated":    true,
		"_originalSize": originalSize,
	}
	for _, k := range []string{"success", "error"} {
		if v, ok := obj[k]; ok {
			kept[k] = v
		}
	}

	found := false
	for _, k := range []string{"summary", "message"} {
		if v, ok := obj[k]; ok {
			kept[k] = v
			found = true
		}
	}
	if data, ok := obj["data"].(map[string]interface{}); ok {
		sub := map[string]interface{}{}
		for _, k := range []string{"summary", "message"} {
			if v, ok := data[k]; ok {
				sub[k] = v
			}
		}
		if len(sub) > 0 {
			kept["data"] = sub
			found = true
		}
	}
	if !found {
		return nil, false
	}

	out, err := json.Marshal(kept)
	if err != nil {
		return nil, false
	}
	return out, true
}
