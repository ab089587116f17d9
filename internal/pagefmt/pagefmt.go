// Package pagefmt defines the byte-exact page and file header layouts
// shared by the pager, the slotted page format, and the B+Tree.
package pagefmt

import "encoding/binary"

const (
	PageSize       = 4096
	PageHeaderSize = 24
	DataAreaSize   = PageSize - PageHeaderSize

	FileHeaderSize = 64
	FileMagic      = "MONO"
	FileVersion    = 1
)

// PageType classifies the contents of a page's data area.
type PageType uint8

const (
	PageFree PageType = iota
	PageMeta
	PageCatalog
	PageData
	PageIndex
	PageOverflow
	PageFreeList
)

// NullPageID is the invalid/absent page pointer; the meta page occupies it.
const NullPageID uint32 = 0

// PageHeader is the 24-byte header prefixing every page's data area.
type PageHeader struct {
	PageID     uint32
	Type       PageType
	Flags      uint8
	ItemCount  uint16
	FreeSpace  uint16
	NextPageID uint32
	PrevPageID uint32
	Checksum   uint32
}

func (h PageHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.PageID)
	buf[4] = byte(h.Type)
	buf[5] = h.Flags
	binary.LittleEndian.PutUint16(buf[6:8], h.ItemCount)
	binary.LittleEndian.PutUint16(buf[8:10], h.FreeSpace)
	binary.LittleEndian.PutUint32(buf[10:14], h.NextPageID)
	binary.LittleEndian.PutUint32(buf[14:18], h.PrevPageID)
	binary.LittleEndian.PutUint32(buf[18:22], h.Checksum)
	// buf[22:24] reserved, left zero
}

func DecodePageHeader(buf []byte) PageHeader {
	return PageHeader{
		PageID:     binary.LittleEndian.Uint32(buf[0:4]),
		Type:       PageType(buf[4]),
		Flags:      buf[5],
		ItemCount:  binary.LittleEndian.Uint16(buf[6:8]),
		FreeSpace:  binary.LittleEndian.Uint16(buf[8:10]),
		NextPageID: binary.LittleEndian.Uint32(buf[10:14]),
		PrevPageID: binary.LittleEndian.Uint32(buf[14:18]),
		Checksum:   binary.LittleEndian.Uint32(buf[18:22]),
	}
}

// ChecksumDataArea XORs the data area viewed as little-endian u32 words,
// padding the tail with zero.
func ChecksumDataArea(data []byte) uint32 {
	var sum uint32
	var i int
	for ; i+4 <= len(data); i += 4 {
		sum ^= binary.LittleEndian.Uint32(data[i : i+4])
	}
	if i < len(data) {
		var tail [4]byte
		copy(tail[:], data[i:])
		sum ^= binary.LittleEndian.Uint32(tail[:])
	}
	return sum
}

// WritePage renders a full PageSize page: header + checksum over data.
func WritePage(h PageHeader, data []byte) []byte {
	page := make([]byte, PageSize)
	body := page[PageHeaderSize:]
	copy(body, data)
	h.Checksum = ChecksumDataArea(body)
	h.Encode(page[:PageHeaderSize])
	return page
}

// ReadPage splits a raw page buffer into header and data, verifying that
// the on-disk pageId matches expected and the checksum validates.
func ReadPage(raw []byte, expectedID uint32) (PageHeader, []byte, bool) {
	if len(raw) != PageSize {
		return PageHeader{}, nil, false
	}
	h := DecodePageHeader(raw[:PageHeaderSize])
	body := raw[PageHeaderSize:]
	if h.PageID != expectedID {
		return h, body, false
	}
	if ChecksumDataArea(body) != h.Checksum {
		return h, body, false
	}
	return h, body, true
}

// FileHeader is the 64-byte header prefixing the data file.
type FileHeader struct {
	Version       uint32
	PageSize      uint32
	PageCount     uint32
	FreeListHead  uint32
	MetaPageID    uint32
	CatalogPageID uint32
	CreateTime    int64
	ModifyTime    int64
}

func (h FileHeader) Encode() []byte {
	buf := make([]byte, FileHeaderSize)
	copy(buf[0:4], FileMagic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.PageCount)
	binary.LittleEndian.PutUint32(buf[16:20], h.FreeListHead)
	binary.LittleEndian.PutUint32(buf[20:24], h.MetaPageID)
	binary.LittleEndian.PutUint32(buf[24:28], h.CatalogPageID)
	binary.LittleEndian.PutUint64(buf[28:36], uint64(h.CreateTime))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(h.ModifyTime))
	return buf
}

func DecodeFileHeader(buf []byte) (FileHeader, bool) {
	if len(buf) < FileHeaderSize || string(buf[0:4]) != FileMagic {
		return FileHeader{}, false
	}
	h := FileHeader{
		Version:       binary.LittleEndian.Uint32(buf[4:8]),
		PageSize:      binary.LittleEndian.Uint32(buf[8:12]),
		PageCount:     binary.LittleEndian.Uint32(buf[12:16]),
		FreeListHead:  binary.LittleEndian.Uint32(buf[16:20]),
		MetaPageID:    binary.LittleEndian.Uint32(buf[20:24]),
		CatalogPageID: binary.LittleEndian.Uint32(buf[24:28]),
		CreateTime:    int64(binary.LittleEndian.Uint64(buf[28:36])),
		ModifyTime:    int64(binary.LittleEndian.Uint64(buf[36:44])),
	}
	if h.Version != FileVersion || h.PageSize != PageSize {
		return h, false
	}
	return h, true
}
