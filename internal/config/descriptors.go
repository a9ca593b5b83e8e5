package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/quantarax/dtp/internal/block"
)

// LoadDescriptors reads a block descriptor file. Files ending in .toml
// hold [[block]] tables; anything else is a trace with one descriptor per
// line: send_time_gap deadline block_size priority.
func LoadDescriptors(path string) ([]block.Config, error) {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var doc struct {
			Block []block.Config `toml:"block"`
		}
		if _, err := toml.DecodeFile(path, &doc); err != nil {
			return nil, fmt.Errorf("parse descriptors %s: %w", path, err)
		}
		if err := checkDescriptors(doc.Block); err != nil {
			return nil, fmt.Errorf("descriptors %s: %w", path, err)
		}
		return doc.Block, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open descriptors: %w", err)
	}
	defer f.Close()
	cfgs, err := ParseTrace(f)
	if err != nil {
		return nil, fmt.Errorf("descriptors %s: %w", path, err)
	}
	return cfgs, nil
}

// ParseTrace reads the whitespace-separated trace format. Blank lines and
// lines starting with # are skipped. Every malformed line is reported.
func ParseTrace(r io.Reader) ([]block.Config, error) {
	var (
		cfgs   []block.Config
		result *multierror.Error
	)
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		cfg, err := parseTraceLine(text)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	if err := sc.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	if err := checkDescriptors(cfgs); err != nil {
		return nil, err
	}
	return cfgs, nil
}

func parseTraceLine(text string) (block.Config, error) {
	fields := strings.Fields(text)
	if len(fields) != 4 {
		return block.Config{}, fmt.Errorf("want 4 fields, got %d", len(fields))
	}
	gap, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return block.Config{}, fmt.Errorf("send_time_gap: %w", err)
	}
	var nums [3]uint64
	for i, name := range []string{"deadline", "block_size", "priority"} {
		if nums[i], err = strconv.ParseUint(fields[i+1], 10, 64); err != nil {
			return block.Config{}, fmt.Errorf("%s: %w", name, err)
		}
	}
	return block.Config{
		SendTimeGap: gap,
		Deadline:    nums[0],
		BlockSize:   nums[1],
		Priority:    nums[2],
	}, nil
}

// maxBlockSize keeps one block's payload allocation bounded.
const maxBlockSize = 1 << 30

func checkDescriptors(cfgs []block.Config) error {
	if len(cfgs) == 0 {
		return block.ErrConfigEmpty
	}
	var result *multierror.Error
	for i, c := range cfgs {
		if err := c.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("descriptor %d: %w", i, err))
		}
		if c.BlockSize > maxBlockSize {
			result = multierror.Append(result, fmt.Errorf("descriptor %d: block size %d over %d", i, c.BlockSize, maxBlockSize))
		}
	}
	return result.ErrorOrNil()
}
