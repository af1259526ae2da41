// Package chunking splits files into fixed-size chunks and computes the
// content-addressed digests used to identify files and chunks across the
// network.
package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Size is the fixed chunk size, B, used to split every shared file.
// The final chunk of a file is shorter than Size when the file length
// isn't an exact multiple of it.
const Size int64 = 1 << 20

// Digest is a hex-encoded SHA-256 digest.
type Digest = string

// HashFile streams path once, computing the whole-file digest and the
// per-chunk digests (each over exactly Size bytes, except the final
// chunk) in a single pass.
func HashFile(path string) (whole Digest, chunks []Digest, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, 0, err
	}
	defer f.Close()

	wholeHash := sha256.New()
	buf := make([]byte, Size)

	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			wholeHash.Write(buf[:n])
			chunkHash := sha256.Sum256(buf[:n])
			chunks = append(chunks, hex.EncodeToString(chunkHash[:]))
			size += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", nil, 0, fmt.Errorf("reading %s: %w", path, readErr)
		}
	}

	return hex.EncodeToString(wholeHash.Sum(nil)), chunks, size, nil
}

// HashChunk returns the digest of a single chunk's bytes.
func HashChunk(data []byte) Digest {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the digest of an in-memory byte slice, used for
// message and other small-payload hashing.
func HashBytes(data []byte) Digest {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NumChunks returns the number of chunks a file of the given size splits
// into under the fixed chunk Size.
func NumChunks(fileSize int64) int {
	if fileSize <= 0 {
		return 0
	}
	n := fileSize / Size
	if fileSize%Size != 0 {
		n++
	}
	return int(n)
}
