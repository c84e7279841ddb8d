// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Announcement of one listening server: a human readable node name and the
// UDP port the server listens on. The announcing host's address comes from
// the multicast packet itself.
type Announcement struct {
	Name string
	Port uint16
}

const maxNameLen = 255

// MarshalAnnouncements encodes announcements into a multicast payload: a
// count byte followed by length prefixed names and big-endian ports.
func MarshalAnnouncements(announcements []Announcement) ([]byte, error) {
	if len(announcements) > 255 {
		return nil, fmt.Errorf("%d announcements exceed the payload limit", len(announcements))
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(uint8(len(announcements)))

	for _, a := range announcements {
		if len(a.Name) > maxNameLen {
			return nil, fmt.Errorf("announcement name of %d bytes exceeds the limit %d", len(a.Name), maxNameLen)
		}

		buf.WriteByte(uint8(len(a.Name)))
		buf.WriteString(a.Name)

		var port [2]byte
		binary.BigEndian.PutUint16(port[:], a.Port)
		buf.Write(port[:])
	}

	return buf.Bytes(), nil
}

// UnmarshalAnnouncements decodes a multicast payload. Any structural error
// fails the whole payload.
func UnmarshalAnnouncements(data []byte) ([]Announcement, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty announcement payload")
	}

	count := int(data[0])
	data = data[1:]

	announcements := make([]Announcement, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < 1 {
			return nil, fmt.Errorf("announcement %d is truncated", i)
		}
		nameLen := int(data[0])
		data = data[1:]

		if len(data) < nameLen+2 {
			return nil, fmt.Errorf("announcement %d is truncated", i)
		}

		announcements = append(announcements, Announcement{
			Name: string(data[:nameLen]),
			Port: binary.BigEndian.Uint16(data[nameLen : nameLen+2]),
		})
		data = data[nameLen+2:]
	}

	if len(data) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after the announcements", len(data))
	}

	return announcements, nil
}

func (a Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%d)", a.Name, a.Port)
}
