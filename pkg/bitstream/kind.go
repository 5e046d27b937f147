package bitstream

import (
	"fmt"
	"strings"
)

// Kind identifies which fixed-function engine a kernel implements.
type Kind uint16

const (
	KindUnknown Kind = iota
	KindGEMM
	KindDequant
)

func (k Kind) String() string {
	switch k {
	case KindGEMM:
		return "gemm"
	case KindDequant:
		return "dequant"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// ParseKind normalises an engine name. Empty selects gemm.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gemm", "xfblas_engine_gemm":
		return KindGEMM, nil
	case "dequant", "dequantize", "dequantize4":
		return KindDequant, nil
	default:
		return KindUnknown, fmt.Errorf("unknown engine %q (expected gemm or dequant)", name)
	}
}

// MarshalText lets Kind appear by name in YAML and JSON.
func (k Kind) MarshalText() ([]byte, error) {
	if k != KindGEMM && k != KindDequant {
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
