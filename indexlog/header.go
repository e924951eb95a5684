package indexlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

var (
	logMagic     = [4]byte{'S', 'D', 'L', '0'}
	headerVer    = uint16(1)
	headerLength = 16 // magic + version + flags + reserved
)

type headerInfo struct {
	Compressed bool
}

func writeHeader(w io.Writer, info headerInfo) error {
	var flags uint16
	if info.Compressed {
		flags |= 1
	}

	buf := make([]byte, 0, headerLength)
	buf = append(buf, logMagic[:]...)
	var fixed [12]byte
	binary.LittleEndian.PutUint16(fixed[0:2], headerVer)
	binary.LittleEndian.PutUint16(fixed[2:4], flags)
	// fixed[4:12] reserved
	buf = append(buf, fixed[:]...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write log header: %w", err)
	}
	return nil
}

// readHeader returns the parsed header. empty=true means the file has no
// header yet (zero length).
func readHeader(f *os.File) (info headerInfo, empty bool, err error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return headerInfo{}, false, fmt.Errorf("failed to seek log: %w", err)
	}

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if err == io.EOF {
			return headerInfo{}, true, nil
		}
		return headerInfo{}, false, fmt.Errorf("failed to read log header magic: %w", err)
	}
	if magic != logMagic {
		return headerInfo{}, false, fmt.Errorf("unsupported log format: invalid header magic")
	}

	fixed := make([]byte, headerLength-4)
	if _, err := io.ReadFull(f, fixed); err != nil {
		return headerInfo{}, false, fmt.Errorf("failed to read log header: %w", err)
	}

	version := binary.LittleEndian.Uint16(fixed[0:2])
	if version != headerVer {
		return headerInfo{}, false, fmt.Errorf("unsupported log header version: %d", version)
	}
	flags := binary.LittleEndian.Uint16(fixed[2:4])

	return headerInfo{Compressed: flags&1 != 0}, false, nil
}
