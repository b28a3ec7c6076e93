package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/auth"
)

var smsCodePattern = regexp.MustCompile(`\b[0-9]{6}\b`)

// smsNotification is what the phone-side forwarder posts.
type smsNotification struct {
	Platform      string `json:"platform"`
	CurrentNumber string `json:"current_number"`
	FromNumber    string `json:"from_number"`
	SMSContent    string `json:"sms_content"`
	Timestamp     string `json:"timestamp"`
}

// ExtractCode returns the first standalone 6-digit group in msg, or "".
func ExtractCode(msg string) string {
	return smsCodePattern.FindString(msg)
}

func (s *Server) receiveSMS(w http.ResponseWriter, r *http.Request) {
	var sms smsNotification
	if err := json.NewDecoder(r.Body).Decode(&sms); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON")
		return
	}
	if sms.Platform == "" || sms.CurrentNumber == "" {
		writeError(w, http.StatusUnprocessableEntity, "platform and current_number are required")
		return
	}
	if s.codes == nil {
		writeError(w, http.StatusServiceUnavailable, "code cache unavailable")
		return
	}
	s.logger.Info("received sms notification",
		zap.String("platform", sms.Platform), zap.String("current_number", sms.CurrentNumber))
	if code := ExtractCode(sms.SMSContent); code != "" {
		key := auth.CodeKey(sms.Platform, sms.CurrentNumber)
		if err := s.codes.Set(r.Context(), key, []byte(code), s.cfg.SMSCodeTTL); err != nil {
			s.logger.Error("store sms code failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store code")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
