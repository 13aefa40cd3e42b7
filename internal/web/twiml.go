package web

import (
	"net/http"

	"github.com/twilio/twilio-go/twiml"
)

// connectStreamTwiML answers an incoming call by connecting its audio to the
// media stream endpoint at streamURL.
func connectStreamTwiML(streamURL string) (string, error) {
	stream := twiml.VoiceStream{Url: streamURL}
	connect := twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	return twiml.Voice([]twiml.Element{connect})
}

// dialTwiML hands the call to number.
func dialTwiML(number string) (string, error) {
	return twiml.Voice([]twiml.Element{twiml.VoiceDial{Number: number}})
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}
