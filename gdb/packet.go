package gdb

import (
	"bufio"
	"fmt"
	"io"
)

const interrupt = 0x03

func checksum(data string) byte {
	var sum byte
	for i := 0; i < len(data); i++ {
		sum += data[i]
	}
	return sum
}

// conn frames remote serial protocol packets: $data#xx, acknowledged with
// + or rejected with -.
type conn struct {
	r    *bufio.Reader
	w    io.Writer
	last string
}

func newConn(rw io.ReadWriter) *conn {
	return &conn{r: bufio.NewReader(rw), w: rw}
}

// readPacket returns the next packet body. Acks are consumed, a nack
// resends the last reply and a bare interrupt byte reads as "\x03".
func (c *conn) readPacket() (string, error) {
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", err
		}
		switch b {
		case '+':
			continue
		case '-':
			if c.last != "" {
				if err := c.send(c.last); err != nil {
					return "", err
				}
			}
			continue
		case interrupt:
			return string(rune(interrupt)), nil
		case '$':
		default:
			continue
		}
		body, err := c.r.ReadString('#')
		if err != nil {
			return "", err
		}
		body = body[:len(body)-1]
		var sum [2]byte
		if _, err := io.ReadFull(c.r, sum[:]); err != nil {
			return "", err
		}
		var want byte
		if _, err := fmt.Sscanf(string(sum[:]), "%02x", &want); err != nil || want != checksum(body) {
			if _, err := io.WriteString(c.w, "-"); err != nil {
				return "", err
			}
			continue
		}
		if _, err := io.WriteString(c.w, "+"); err != nil {
			return "", err
		}
		return body, nil
	}
}

func (c *conn) send(data string) error {
	c.last = data
	_, err := fmt.Fprintf(c.w, "$%s#%02x", data, checksum(data))
	return err
}
