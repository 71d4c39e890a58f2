package protocol

import (
	"encoding/xml"
	"maps"
	"slices"
)

// twimlResponse renders <Response><Connect><Stream url="..."/></Connect></Response>.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// ConnectStreamTwiML returns the TwiML that connects a call to a
// bidirectional media stream at streamURL. params are passed to the
// stream as customParameters.
func ConnectStreamTwiML(streamURL string, params map[string]string) ([]byte, error) {
	resp := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}}
	for _, name := range slices.Sorted(maps.Keys(params)) {
		resp.Connect.Stream.Parameters = append(resp.Connect.Stream.Parameters,
			twimlParameter{Name: name, Value: params[name]})
	}
	out, err := xml.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
