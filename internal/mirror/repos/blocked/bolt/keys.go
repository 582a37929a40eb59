package bolt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/blockmirror/internal/mirror/domain"
)

// sep joins the parts of composite keys. Handles and list URIs never contain NUL.
const sep = 0x00

// orderKey encodes order so that byte order matches numeric order, negatives included.
func orderKey(order int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(order)^(1<<63))
	return b
}

func decodeOrder(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// listPrefix returns "list\x00", the bounded range of one list in composite indexes.
func listPrefix(listURI string) []byte {
	p := make([]byte, 0, len(listURI)+1)
	p = append(p, listURI...)
	return append(p, sep)
}

// pairKey returns "a\x00b".
func pairKey(a, b string) []byte {
	k := make([]byte, 0, len(a)+len(b)+1)
	k = append(k, a...)
	k = append(k, sep)
	return append(k, b...)
}

// splitPair reverses pairKey.
func splitPair(k []byte) (string, string, bool) {
	i := bytes.IndexByte(k, sep)
	if i < 0 {
		return "", "", false
	}
	return string(k[:i]), string(k[i+1:]), true
}

// byOrderKey is "list\x00<order>handle"; the handle suffix breaks order ties.
func byOrderKey(listURI string, order int64, handle string) []byte {
	k := listPrefix(listURI)
	k = append(k, orderKey(order)...)
	return append(k, handle...)
}

// prefixEnd returns the smallest key greater than every key with prefix, or nil
// if no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// lastWithPrefix positions c on the greatest key carrying prefix.
func lastWithPrefix(c *bbolt.Cursor, prefix []byte) ([]byte, []byte) {
	var k, v []byte
	if end := prefixEnd(prefix); end == nil {
		k, v = c.Last()
	} else if k, v = c.Seek(end); k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}
	return k, v
}

func encodeUser(u domain.BlockedUser) ([]byte, error) {
	return json.Marshal(u)
}

func decodeUser(v []byte) (domain.BlockedUser, error) {
	var u domain.BlockedUser
	if err := json.Unmarshal(v, &u); err != nil {
		return domain.BlockedUser{}, fmt.Errorf("decoding record: %w", err)
	}
	return u, nil
}

func encodeMeta(md domain.ListMetadata) ([]byte, error) {
	return json.Marshal(md)
}

func decodeMeta(v []byte) (domain.ListMetadata, error) {
	var md domain.ListMetadata
	if err := json.Unmarshal(v, &md); err != nil {
		return domain.ListMetadata{}, fmt.Errorf("decoding metadata: %w", err)
	}
	return md, nil
}

// pageWindow converts a 1-based page into an offset. Invalid input yields ok=false.
func pageWindow(page, pageSize int) (offset int, ok bool) {
	if pageSize <= 0 {
		return 0, false
	}
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize, true
}
