package api

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/nugget/evchat/internal/usage"
	"github.com/nugget/evchat/internal/voice"
)

// multipartMemory is how much of a voice upload is held in memory before
// spilling to a temp file.
const multipartMemory = 8 << 20

// VoiceFallbackResponse is returned when the reply was produced but could
// not be spoken.
type VoiceFallbackResponse struct {
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
}

// headerText encodes s for a response header. Non-ASCII text and line
// breaks are RFC 2047 encoded.
func headerText(s string) string {
	return mime.QEncoding.Encode("utf-8", s)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if s.voice == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "voice is not enabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, voice.MaxAudioBytes+(1<<20))
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	userID := r.FormValue("user_id")
	if err := validateUserID(userID); err != nil {
		s.writeError(w, r, err)
		return
	}

	file, hdr, err := r.FormFile("audio")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "could not read audio")
		return
	}

	log := s.logger.With("request_id", RequestID(r.Context()), "user_id", userID)

	transcript, err := s.voice.Transcribe(r.Context(), hdr.Filename, audio)
	switch {
	case errors.Is(err, voice.ErrEmptyAudio):
		s.errorResponse(w, http.StatusBadRequest, "audio file is empty")
		return
	case errors.Is(err, voice.ErrNoSpeech):
		s.errorResponse(w, http.StatusUnprocessableEntity, "no speech recognized")
		return
	case err != nil:
		log.Error("transcription failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "transcription failed")
		return
	}
	log.Debug("transcribed voice message", "bytes", len(audio), "chars", len(transcript))

	res, err := s.runTurn(r.Context(), usage.ChannelVoice, userID, transcript)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	speech, err := s.voice.Synthesize(r.Context(), res.Reply)
	if err != nil {
		// The turn is already persisted; hand back the text instead.
		log.Warn("speech synthesis failed, returning text", "error", err)
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, VoiceFallbackResponse{Transcript: transcript, Reply: res.Reply}, s.logger)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("X-Transcript", headerText(transcript))
	w.Header().Set("X-Reply", headerText(res.Reply))
	if _, err := w.Write(speech); err != nil {
		log.Debug("failed to write audio response", "error", err)
	}
}
