// Package classifier decides whether a parsed JSON-RPC message is protocol
// control traffic (framing, capability negotiation, errors) or a payload
// message that may carry user data and should be routed through the
// anonymization pipeline.
package classifier

// controlKeys are object keys whose mere presence marks a message as
// protocol control regardless of any other shape.
var controlKeys = []string{"protocolVersion", "capabilities", "serverInfo", "clientInfo"}

// IsControl reports whether value — the result of decoding one JSON-RPC
// line into Go's default any representation — is protocol control traffic.
// Non-object roots are never control.
func IsControl(value any) bool {
	obj, ok := value.(map[string]any)
	if !ok {
		return false
	}

	for _, key := range controlKeys {
		if _, present := obj[key]; present {
			return true
		}
	}

	_, hasMethod := obj["method"]
	_, hasID := obj["id"]
	if hasMethod && hasID {
		return true
	}

	_, hasError := obj["error"]
	if hasError && hasID {
		return true
	}

	result, hasResult := obj["result"]
	if hasResult && hasID {
		if resultObj, ok := result.(map[string]any); ok {
			if _, hasContent := resultObj["content"]; hasContent {
				return false // tool output nested under result.content is payload
			}
		}
		return true
	}

	return false
}
