package diagnostic

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Signature is a case-insensitive keyword that identifies a known failure
type Signature struct {
	Keyword     string `yaml:"keyword"`
	Description string `yaml:"description"`
	Category    string `yaml:"category,omitempty"`
}

// DefaultSignatures are the failures commonly seen in distributed training logs
var DefaultSignatures = []Signature{
	{Keyword: "out of memory", Description: "Out of memory error", Category: "memory"},
	{Keyword: "cuda out of memory", Description: "GPU memory exhausted", Category: "memory"},
	{Keyword: "oom-kill", Description: "Process killed by the kernel OOM killer", Category: "memory"},
	{Keyword: "cuda error", Description: "CUDA runtime error", Category: "gpu"},
	{Keyword: "cudnn_status", Description: "cuDNN failure", Category: "gpu"},
	{Keyword: "ecc error", Description: "GPU memory ECC error", Category: "gpu"},
	{Keyword: "nccl error", Description: "NCCL communication error", Category: "communication"},
	{Keyword: "ncclsystemerror", Description: "NCCL system error", Category: "communication"},
	{Keyword: "watchdog caught collective operation timeout", Description: "Collective operation timed out", Category: "communication"},
	{Keyword: "rendezvous", Description: "Rendezvous (node discovery) problem", Category: "communication"},
	{Keyword: "connection refused", Description: "Peer refused connection", Category: "network"},
	{Keyword: "connection reset", Description: "Connection reset by peer", Category: "network"},
	{Keyword: "address already in use", Description: "Port already in use", Category: "network"},
	{Keyword: "timed out", Description: "Operation timed out", Category: "network"},
	{Keyword: "segmentation fault", Description: "Segmentation fault", Category: "crash"},
	{Keyword: "sigsegv", Description: "Segmentation fault signal", Category: "crash"},
	{Keyword: "core dumped", Description: "Process crashed and dumped core", Category: "crash"},
	{Keyword: "traceback (most recent call last)", Description: "Python exception traceback", Category: "exception"},
	{Keyword: "childfailederror", Description: "A worker process failed", Category: "exception"},
	{Keyword: "no space left on device", Description: "Disk full", Category: "storage"},
	{Keyword: "permission denied", Description: "Permission denied", Category: "storage"},
	{Keyword: "loss is nan", Description: "Training diverged (NaN loss)", Category: "training"},
}

type signatureFile struct {
	Replace    bool        `yaml:"replace"`
	Signatures []Signature `yaml:"signatures"`
}

// LoadSignatures reads extra signatures from a YAML file and merges them
// over the defaults. Entries with a known keyword replace the default
// description; `replace: true` drops the defaults entirely.
//
//	replace: false
//	signatures:
//	  - keyword: "illegal memory access"
//	    description: "Kernel touched invalid memory"
//	    category: gpu
func LoadSignatures(path string) ([]Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures file: %w", err)
	}

	var file signatureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse signatures file: %w", err)
	}

	var base []Signature
	if !file.Replace {
		base = DefaultSignatures
	}
	return MergeSignatures(base, file.Signatures)
}

// MergeSignatures returns base with extra applied on top. Keywords are
// normalized to lower case.
func MergeSignatures(base, extra []Signature) ([]Signature, error) {
	out := make([]Signature, 0, len(base)+len(extra))
	index := make(map[string]int)

	add := func(s Signature) error {
		s.Keyword = strings.ToLower(strings.TrimSpace(s.Keyword))
		if s.Keyword == "" {
			return fmt.Errorf("signature %q has an empty keyword", s.Description)
		}
		if s.Description == "" {
			s.Description = s.Keyword
		}
		if i, ok := index[s.Keyword]; ok {
			out[i] = s
			return nil
		}
		index[s.Keyword] = len(out)
		out = append(out, s)
		return nil
	}

	for _, s := range base {
		if err := add(s); err != nil {
			return nil, err
		}
	}
	for _, s := range extra {
		if err := add(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}
