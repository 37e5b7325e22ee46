package webrtc

import (
	"strconv"
	"strings"

	"medlink/internal/core/domain"

	"github.com/pion/sdp/v3"
)

const videoMediaPrefix = "m=video "

// PreferCodec moves every payload type of the video section that maps to
// preferredMime to the front of the m=video format list. Relative order inside
// the preferred and the remaining group is kept and no other line is touched.
// An offer without a video section is returned as is.
func PreferCodec(offer domain.SessionDescription, preferredMime string) domain.SessionDescription {
	lines := strings.Split(offer.Body, "\n")

	mline := -1
	for i, line := range lines {
		if strings.HasPrefix(line, videoMediaPrefix) {
			mline = i
			break
		}
	}
	if mline < 0 {
		return offer
	}

	line := lines[mline]
	cr := strings.HasSuffix(line, "\r")
	fields := strings.Fields(strings.TrimSuffix(line, "\r"))
	// m=video <port> <proto> <fmt> ...
	if len(fields) < 4 {
		return offer
	}

	codecs := make(map[uint8]domain.CodecEntry)
	for _, c := range VideoCodecs(offer) {
		codecs[c.PayloadType] = c
	}

	want := encodingName(preferredMime)
	var matching, other []string
	for _, format := range fields[3:] {
		pt, err := strconv.ParseUint(format, 10, 8)
		if err == nil {
			if c, ok := codecs[uint8(pt)]; ok && strings.EqualFold(encodingName(c.MimeType), want) {
				matching = append(matching, format)
				continue
			}
		}
		other = append(other, format)
	}
	if len(matching) == 0 {
		return offer
	}

	rewritten := strings.Join(append(append(fields[:3:3], matching...), other...), " ")
	if cr {
		rewritten += "\r"
	}
	lines[mline] = rewritten

	return domain.SessionDescription{
		Type: offer.Type,
		Body: strings.Join(lines, "\n"),
	}
}

// videoPayloadOrder returns the payload types of the m=video line in the order listed.
func videoPayloadOrder(desc domain.SessionDescription) []uint8 {
	for _, line := range strings.Split(desc.Body, "\n") {
		if !strings.HasPrefix(line, videoMediaPrefix) {
			continue
		}
		fields := strings.Fields(strings.TrimSuffix(line, "\r"))
		if len(fields) < 4 {
			return nil
		}
		order := make([]uint8, 0, len(fields)-3)
		for _, format := range fields[3:] {
			if pt, err := strconv.ParseUint(format, 10, 8); err == nil {
				order = append(order, uint8(pt))
			}
		}
		return order
	}
	return nil
}

// VideoCodecs lists the rtpmap entries of the first video section.
func VideoCodecs(desc domain.SessionDescription) []domain.CodecEntry {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.Body)); err == nil {
		for _, media := range parsed.MediaDescriptions {
			if media.MediaName.Media != "video" {
				continue
			}
			var entries []domain.CodecEntry
			for _, attr := range media.Attributes {
				if attr.Key != "rtpmap" {
					continue
				}
				if entry, ok := parseRtpmap("video", attr.Value); ok {
					entries = append(entries, entry)
				}
			}
			return entries
		}
		return nil
	}

	// Not every offer survives the strict parser (hand-edited or truncated
	// descriptions); fall back to scanning the section text.
	return scanSectionCodecs(desc.Body, "video")
}

// Codecs lists the rtpmap entries of every audio and video section.
func Codecs(desc domain.SessionDescription) []domain.CodecEntry {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.Body)); err != nil {
		return append(scanSectionCodecs(desc.Body, "audio"), scanSectionCodecs(desc.Body, "video")...)
	}
	var entries []domain.CodecEntry
	for _, media := range parsed.MediaDescriptions {
		for _, attr := range media.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}
			if entry, ok := parseRtpmap(media.MediaName.Media, attr.Value); ok {
				entries = append(entries, entry)
			}
		}
	}
	return entries
}

func scanSectionCodecs(body, kind string) []domain.CodecEntry {
	var entries []domain.CodecEntry
	inSection := false
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, "m=") {
			if inSection {
				break
			}
			inSection = strings.HasPrefix(line, "m="+kind+" ")
			continue
		}
		if !inSection || !strings.HasPrefix(line, "a=rtpmap:") {
			continue
		}
		if entry, ok := parseRtpmap(kind, strings.TrimPrefix(line, "a=rtpmap:")); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// parseRtpmap parses "<pt> <encoding>/<clock>[/<channels>]".
func parseRtpmap(kind, value string) (domain.CodecEntry, bool) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return domain.CodecEntry{}, false
	}
	pt, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return domain.CodecEntry{}, false
	}
	encoding := strings.Split(parts[1], "/")
	entry := domain.CodecEntry{
		PayloadType: uint8(pt),
		MimeType:    kind + "/" + encoding[0],
	}
	if len(encoding) > 1 {
		if clock, err := strconv.ParseUint(encoding[1], 10, 32); err == nil {
			entry.ClockRate = uint32(clock)
		}
	}
	return entry, true
}

func encodingName(mime string) string {
	if i := strings.LastIndex(mime, "/"); i >= 0 {
		return mime[i+1:]
	}
	return mime
}
