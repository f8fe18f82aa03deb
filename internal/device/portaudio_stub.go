//go:build !portaudio

package device

import (
	"errors"
	"log/slog"
)

var errPortAudioUnavailable = errors.New("portaudio backend not compiled in; rebuild with -tags portaudio")

func newPortAudio(int, *slog.Logger) (Backend, error) {
	return nil, errPortAudioUnavailable
}
