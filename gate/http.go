package gate

import (
	"encoding/json"
	"log"
	"net/http"
)

// JSON renders payload and writes it with the given status. The body
// is marshaled before the header goes out; an encoding failure becomes
// a 500 rather than a truncated success response.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("encode response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"response encoding failed"}`))
		return
	}
	w.WriteHeader(status)
	w.Write(body)
}

// Error writes the flat {"error": msg} refusal body.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, map[string]string{"error": msg})
}

// ErrorCode adds a machine-readable code for clients that branch on
// refusal kinds instead of messages.
func ErrorCode(w http.ResponseWriter, status int, code, msg string) {
	JSON(w, status, map[string]string{"code": code, "error": msg})
}
