package wimfile

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"unicode/utf16"

	"github.com/wimtools/wimount/internal/dentry"
	"github.com/wimtools/wimount/internal/wim"
)

// The XML data block is UTF-16LE with a BOM, holding per-image bookkeeping
// that Windows tooling expects alongside the binary metadata.

type xmlFiletime struct {
	Low  string `xml:"LOWPART"`
	High string `xml:"HIGHPART"`
}

func xmlTimeOf(ft wim.Filetime) *xmlFiletime {
	return &xmlFiletime{
		Low:  fmt.Sprintf("0x%08X", uint32(ft)),
		High: fmt.Sprintf("0x%08X", uint32(uint64(ft)>>32)),
	}
}

type imageInfo struct {
	Index                int          `xml:"INDEX,attr"`
	Name                 string       `xml:"NAME,omitempty"`
	DirCount             int64        `xml:"DIRCOUNT,omitempty"`
	FileCount            int64        `xml:"FILECOUNT,omitempty"`
	TotalBytes           int64        `xml:"TOTALBYTES,omitempty"`
	CreationTime         *xmlFiletime `xml:"CREATIONTIME,omitempty"`
	LastModificationTime *xmlFiletime `xml:"LASTMODIFICATIONTIME,omitempty"`
}

type wimInfo struct {
	XMLName    xml.Name     `xml:"WIM"`
	TotalBytes int64        `xml:"TOTALBYTES,omitempty"`
	Images     []*imageInfo `xml:"IMAGE"`
}

func (a *Archive) readXML() error {
	if a.hdr.XMLData.CompressedSize() == 0 {
		a.synthesizeInfo()
		return nil
	}
	raw, err := a.readRaw(a.hdr.XMLData)
	if err != nil {
		return fmt.Errorf("reading XML data: %w", err)
	}
	if len(raw) < 2 || len(raw)%2 != 0 {
		a.synthesizeInfo()
		return nil
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	if units[0] != 0xfeff {
		return fmt.Errorf("XML data: invalid BOM %#x", units[0])
	}
	if err := xml.Unmarshal([]byte(string(utf16.Decode(units[1:]))), &a.info); err != nil {
		return fmt.Errorf("parsing XML data: %w", err)
	}
	return nil
}

func (a *Archive) synthesizeInfo() {
	for i := range a.images {
		a.info.Images = append(a.info.Images, &imageInfo{Index: i + 1})
	}
}

func (a *Archive) encodeXML() ([]byte, error) {
	body, err := xml.Marshal(&a.info)
	if err != nil {
		return nil, err
	}
	units := append([]uint16{0xfeff}, utf16.Encode([]rune(string(body)))...)
	out := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[2*i:], u)
	}
	return out, nil
}

// imageEntry returns the selected image's info record, creating it if the
// archive carried no XML block for it.
func (a *Archive) imageEntry() *imageInfo {
	for _, img := range a.info.Images {
		if img.Index == a.image {
			return img
		}
	}
	img := &imageInfo{Index: a.image}
	a.info.Images = append(a.info.Images, img)
	return img
}

// UpdateImageInfo refreshes the selected image's counters and modification
// time from the current tree.
func (a *Archive) UpdateImageInfo(root *dentry.Dentry) error {
	var dirs, files int64
	err := root.Walk(func(d *dentry.Dentry) error {
		if d.IsDirectory() {
			dirs++
		} else {
			files++
		}
		return nil
	})
	if err != nil {
		return err
	}
	img := a.imageEntry()
	img.DirCount = dirs
	img.FileCount = files
	img.LastModificationTime = xmlTimeOf(wim.Now())
	if img.CreationTime == nil {
		img.CreationTime = img.LastModificationTime
	}
	return nil
}
