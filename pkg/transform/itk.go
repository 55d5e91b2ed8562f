package transform

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/storage"
)

const itkMagic = "#Insight Transform File V1.0"

// Write stores t at path in the ITK "Insight Transform File V1.0" text format.
func Write(path string, t Transform) error {
	return storage.WriteFile(path, func(w io.Writer) error {
		return Encode(w, t)
	})
}

// Encode writes t in ITK text format.
func Encode(w io.Writer, t Transform) error {
	var b strings.Builder
	b.WriteString(itkMagic + "\n")
	idx := 0
	var emit func(t Transform)
	emit = func(t Transform) {
		fmt.Fprintf(&b, "#Transform %d\n", idx)
		idx++
		fmt.Fprintf(&b, "Transform: %s_double_3_3\n", t.Kind())
		if c, ok := t.(*Composite); ok {
			for _, member := range c.Transforms {
				emit(member)
			}
			return
		}
		fmt.Fprintf(&b, "Parameters: %s\n", formatFloats(t.Parameters()))
		fmt.Fprintf(&b, "FixedParameters: %s\n", formatFloats(t.FixedParameters()))
	}
	emit(t)
	_, err := io.WriteString(w, b.String())
	return err
}

func formatFloats(xs []float64) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

// Read loads an ITK text transform file. Composite files yield a *Composite,
// single-transform files the transform itself.
func Read(path string) (Transform, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrMissingInput, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrMalformedInput, path, err)
	}
	return t, nil
}

type record struct {
	kind   string
	params []float64
	fixed  []float64
}

// Decode parses an ITK text transform.
func Decode(r io.Reader) (Transform, error) {
	sc := bufio.NewScanner(r)
	var recs []*record
	var cur *record
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			if line != itkMagic {
				return nil, fmt.Errorf("not an ITK transform file")
			}
			first = false
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("unexpected line %q", line)
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Transform":
			cur = &record{kind: value}
			recs = append(recs, cur)
		case "Parameters", "FixedParameters":
			if cur == nil {
				return nil, fmt.Errorf("%s before Transform", key)
			}
			xs, err := parseFloats(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			if key == "Parameters" {
				cur.params = xs
			} else {
				cur.fixed = xs
			}
		default:
			return nil, fmt.Errorf("unknown key %q", key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("no transform found")
	}

	var parts []Transform
	composite := false
	for i, rec := range recs {
		class, dims, err := splitKind(rec.kind)
		if err != nil {
			return nil, err
		}
		if dims != "3_3" {
			return nil, fmt.Errorf("transform %d: dimension %s not supported, expected 3_3", i, dims)
		}
		if class == KindComposite {
			if i != 0 {
				return nil, fmt.Errorf("nested composite transforms are not supported")
			}
			composite = true
			continue
		}
		t, err := build(class, rec.params, rec.fixed)
		if err != nil {
			return nil, fmt.Errorf("transform %d: %w", i, err)
		}
		parts = append(parts, t)
	}
	if composite || len(parts) > 1 {
		return &Composite{Transforms: parts}, nil
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty composite transform")
	}
	return parts[0], nil
}

// splitKind splits "Euler3DTransform_double_3_3" into its class and "3_3".
func splitKind(kind string) (class, dims string, err error) {
	for _, prec := range []string{"_double_", "_float_"} {
		if i := strings.Index(kind, prec); i > 0 {
			return kind[:i], kind[i+len(prec):], nil
		}
	}
	return "", "", fmt.Errorf("unrecognised transform type %q", kind)
}

func build(class string, p, fixed []float64) (Transform, error) {
	center := func() ([3]float64, error) {
		var c [3]float64
		if len(fixed) < 3 {
			return c, fmt.Errorf("%s: expected center in fixed parameters, got %d values", class, len(fixed))
		}
		copy(c[:], fixed[:3])
		return c, nil
	}
	switch class {
	case KindEuler3D:
		c, err := center()
		if err != nil {
			return nil, err
		}
		e := NewEuler3D(c)
		if len(fixed) > 3 && fixed[3] != 0 {
			e.ComputeZYX = true
		}
		return e, e.SetParameters(p)
	case KindVersorRigid:
		c, err := center()
		if err != nil {
			return nil, err
		}
		if len(p) != 6 {
			return nil, fmt.Errorf("%s: expected 6 parameters, got %d", class, len(p))
		}
		return &VersorRigid3D{
			Versor:      [3]float64{p[0], p[1], p[2]},
			Translation: [3]float64{p[3], p[4], p[5]},
			Center:      c,
		}, nil
	case KindAffine, "MatrixOffsetTransformBase":
		c, err := center()
		if err != nil {
			return nil, err
		}
		a := NewAffine(c)
		return a, a.SetParameters(p)
	case KindTranslation:
		if len(p) != 3 {
			return nil, fmt.Errorf("%s: expected 3 parameters, got %d", class, len(p))
		}
		return &Translation{Offset: [3]float64{p[0], p[1], p[2]}}, nil
	}
	return nil, fmt.Errorf("unsupported transform class %q", class)
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}
