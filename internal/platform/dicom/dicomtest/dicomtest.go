// Package dicomtest synthesises small DICOM files for tests.
package dicomtest

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/suyashkumar/dicom/pkg/tag"
)

const explicitVRLittleEndian = "1.2.840.10008.1.2.1"

// Element is one data element to encode.
type Element struct {
	Tag   tag.Tag
	VR    string
	Value []byte
}

// Str encodes a string element, padded to even length.
func Str(t tag.Tag, vr, s string) Element {
	b := []byte(s)
	if len(b)%2 == 1 {
		if vr == "UI" {
			b = append(b, 0)
		} else {
			b = append(b, ' ')
		}
	}
	return Element{Tag: t, VR: vr, Value: b}
}

// US encodes an unsigned short.
func US(t tag.Tag, v uint16) Element {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return Element{Tag: t, VR: "US", Value: b}
}

// PixelData encodes raw samples as OW.
func PixelData(samples []byte) Element {
	b := append([]byte(nil), samples...)
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return Element{Tag: tag.PixelData, VR: "OW", Value: b}
}

// Samples16 packs unsigned 16-bit little-endian samples.
func Samples16(vals ...uint16) []byte {
	b := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

// Image describes a synthetic single-frame file. Empty fields are omitted.
type Image struct {
	PatientID        string
	PatientName      string
	BirthDate        string
	Sex              string
	StudyUID         string
	StudyDate        string
	StudyDescription string
	Modality         string
	SeriesUID        string
	SeriesNumber     string
	SeriesDesc       string
	SOPInstanceUID   string
	InstanceNumber   string
	Rows             uint16
	Columns          uint16
	BitsAllocated    uint16
	Signed           bool
	Photometric      string
	WindowCenter     string
	WindowWidth      string
	Pixels           []byte
}

// Elements returns the data set elements of img.
func (img Image) Elements() []Element {
	var out []Element
	add := func(t tag.Tag, vr, s string) {
		if s != "" {
			out = append(out, Str(t, vr, s))
		}
	}
	add(tag.SOPInstanceUID, "UI", img.SOPInstanceUID)
	add(tag.StudyDate, "DA", img.StudyDate)
	add(tag.Modality, "CS", img.Modality)
	add(tag.StudyDescription, "LO", img.StudyDescription)
	add(tag.SeriesDescription, "LO", img.SeriesDesc)
	add(tag.PatientName, "PN", img.PatientName)
	add(tag.PatientID, "LO", img.PatientID)
	add(tag.PatientBirthDate, "DA", img.BirthDate)
	add(tag.PatientSex, "CS", img.Sex)
	add(tag.StudyInstanceUID, "UI", img.StudyUID)
	add(tag.SeriesInstanceUID, "UI", img.SeriesUID)
	add(tag.SeriesNumber, "IS", img.SeriesNumber)
	add(tag.InstanceNumber, "IS", img.InstanceNumber)
	add(tag.PhotometricInterpretation, "CS", img.Photometric)
	if img.Rows > 0 {
		out = append(out, US(tag.Rows, img.Rows))
	}
	if img.Columns > 0 {
		out = append(out, US(tag.Columns, img.Columns))
	}
	if img.BitsAllocated > 0 {
		out = append(out, US(tag.BitsAllocated, img.BitsAllocated))
	}
	if img.Signed {
		out = append(out, US(tag.PixelRepresentation, 1))
	}
	add(tag.WindowCenter, "DS", img.WindowCenter)
	add(tag.WindowWidth, "DS", img.WindowWidth)
	if img.Pixels != nil {
		out = append(out, PixelData(img.Pixels))
	}
	return out
}

// Encode writes img as a Part 10 file in explicit VR little endian.
func Encode(img Image) []byte {
	return File(img.Elements()...)
}

// File writes a preamble, the file meta group and elems in explicit VR
// little endian.
func File(elems ...Element) []byte {
	var meta bytes.Buffer
	writeExplicit(&meta, Str(tag.TransferSyntaxUID, "UI", explicitVRLittleEndian))

	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(meta.Len()))
	writeExplicit(&buf, Element{Tag: tag.FileMetaInformationGroupLength, VR: "UL", Value: length})
	buf.Write(meta.Bytes())

	for _, el := range sorted(elems) {
		writeExplicit(&buf, el)
	}
	return buf.Bytes()
}

// Raw writes elems in implicit VR little endian with no preamble or meta
// group, the way some producers emit bare datasets.
func Raw(elems ...Element) []byte {
	var buf bytes.Buffer
	for _, el := range sorted(elems) {
		writeTag(&buf, el.Tag)
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(el.Value)))
		buf.Write(el.Value)
	}
	return buf.Bytes()
}

func sorted(elems []Element) []Element {
	out := append([]Element(nil), elems...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tag.Group != out[j].Tag.Group {
			return out[i].Tag.Group < out[j].Tag.Group
		}
		return out[i].Tag.Element < out[j].Tag.Element
	})
	return out
}

func writeTag(buf *bytes.Buffer, t tag.Tag) {
	_ = binary.Write(buf, binary.LittleEndian, t.Group)
	_ = binary.Write(buf, binary.LittleEndian, t.Element)
}

func writeExplicit(buf *bytes.Buffer, el Element) {
	writeTag(buf, el.Tag)
	buf.WriteString(el.VR)
	switch el.VR {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		buf.Write([]byte{0, 0})
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(el.Value)))
	default:
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(el.Value)))
	}
	buf.Write(el.Value)
}
