package loader

import (
	"image"
	"strings"

	"github.com/disintegration/imaging"
	exif "github.com/dsoprea/go-exif/v3"
)

// exifInfo is the subset of EXIF the loader cares about.
type exifInfo struct {
	orientation int
	model       string
	takenAt     string
}

// readExif extracts orientation, camera model and capture time from raw
// file bytes. Files without EXIF, or with EXIF the parser rejects, yield a
// zero exifInfo.
func readExif(raw []byte) exifInfo {
	var info exifInfo
	rawExif, err := exif.SearchAndExtractExif(raw)
	if err != nil {
		return info
	}
	tags, _, err := exif.GetFlatExifData(rawExif, nil)
	if err != nil {
		return info
	}
	for _, tag := range tags {
		switch tag.TagName {
		case "Orientation":
			if v, ok := tag.Value.([]uint16); ok && len(v) > 0 && info.orientation == 0 {
				info.orientation = int(v[0])
			}
		case "Model":
			if info.model == "" {
				info.model = strings.TrimSpace(strings.Trim(tag.Formatted, "\x00"))
			}
		case "DateTimeOriginal":
			info.takenAt = strings.TrimSpace(tag.Formatted)
		}
	}
	return info
}

// orient applies an EXIF orientation (1-8) so the image is upright.
// Unknown values leave the image untouched.
func orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}
