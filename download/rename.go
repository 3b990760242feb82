package download

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Fields are the values available to name templates, keyed by lower-case
// specifier name.
type Fields map[string]string

// Field names understood by Expand.
const (
	FieldFilename        = "filename"
	FieldPath            = "path"
	FieldPathFilename    = "pf"
	FieldCaptureFilename = "capturefilename"
	FieldCameraFolder    = "camerafolder"
	FieldCameraMake      = "cameramake"
	FieldCameraModel     = "cameramodel"
	FieldCameraSerial    = "cameraserial"
	FieldDownloadNumber  = "dlnum"
	FieldCaptureDate     = "capturedate"
)

var sampleFields = Fields{
	FieldFilename:        "DSC_0001.NEF",
	FieldPath:            "/tmp",
	FieldPathFilename:    "/tmp/DSC_0001.NEF",
	FieldCaptureFilename: "DSC_0001.NEF",
	FieldCameraFolder:    "100NIKON",
	FieldCameraMake:      "Nikon",
	FieldCameraModel:     "D7200",
	FieldCameraSerial:    "3012345",
	FieldDownloadNumber:  "1",
	FieldCaptureDate:     "20150804",
}

// Expand replaces @name@ specifiers in format with the matching field.
// "@@" is a literal '@'. "@replace~old~new@" replaces old with new in the
// output built so far and "@replacere~expr~new@" does the same with a
// regular expression.
func Expand(format string, fields Fields) (string, error) {
	var out strings.Builder
	rest := format
	for {
		start := strings.IndexByte(rest, '@')
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		end := strings.IndexByte(rest[start+1:], '@')
		if end < 0 {
			return "", fmt.Errorf("unterminated specifier in %q", format)
		}
		end += start + 1
		out.WriteString(rest[:start])
		spec := rest[start+1 : end]
		rest = rest[end+1:]

		if spec == "" {
			out.WriteByte('@')
			continue
		}
		if strings.HasPrefix(strings.ToLower(spec), "replace") {
			s, err := applyReplace(out.String(), spec)
			if err != nil {
				return "", err
			}
			out.Reset()
			out.WriteString(s)
			continue
		}
		v, ok := fields[strings.ToLower(spec)]
		if !ok {
			return "", fmt.Errorf("unknown specifier @%s@ in %q", spec, format)
		}
		out.WriteString(v)
	}
}

// ValidateTemplate checks format against a sample of every field.
func ValidateTemplate(format string) error {
	_, err := Expand(format, sampleFields)
	return err
}

// ValidName returns an error unless name is a single path element that
// can be created as a file.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %w: %q", ErrLocalIO, ErrInvalidName, name)
	}
	return nil
}

func applyReplace(s, spec string) (string, error) {
	parts := strings.Split(spec, "~")
	if len(parts) != 3 {
		return "", fmt.Errorf("specifier @%s@ needs a search and a replacement string", spec)
	}
	switch strings.ToLower(parts[0]) {
	case "replace":
		return strings.ReplaceAll(s, parts[1], parts[2]), nil
	case "replacere":
		re, err := regexp.Compile(parts[1])
		if err != nil {
			return "", fmt.Errorf("invalid expression in @%s@: %w", spec, err)
		}
		return re.ReplaceAllString(s, parts[2]), nil
	}
	return "", fmt.Errorf("unknown specifier @%s@", spec)
}
