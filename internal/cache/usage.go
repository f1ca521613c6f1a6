package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strconv"
)

// estimateUsage 优先调用 du -bs，不可用时退回目录遍历。
func estimateUsage(ctx context.Context, dir string) (int64, error) {
	usage, err := duUsage(ctx, dir)
	if err == nil {
		return usage, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return walkUsage(ctx, dir)
}

func duUsage(ctx context.Context, dir string) (int64, error) {
	cmd := exec.CommandContext(ctx, "du", "-bs", dir)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("du -bs %s: %w", dir, err)
	}
	fields := bytes.Fields(stdout.Bytes())
	if len(fields) == 0 {
		return 0, errors.New("du produced no output")
	}
	return strconv.ParseInt(string(fields[0]), 10, 64)
}

func walkUsage(ctx context.Context, dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
