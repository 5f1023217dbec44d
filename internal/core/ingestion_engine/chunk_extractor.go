package ingestion_engine

import (
	"bufio"
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
)

// streamFragments splits extracted text into paragraph fragments. Blank lines end
// a paragraph; very long paragraphs are cut on line boundaries.
func streamFragments(ctx context.Context, g *errgroup.Group, text string, maxTokens int) <-chan string {
	out := make(chan string, 16)

	g.Go(func() error {
		defer close(out)

		var para []string
		paraTok := 0
		emit := func() error {
			if len(para) == 0 {
				return nil
			}
			frag := strings.Join(para, " ")
			para, paraTok = para[:0], 0
			select {
			case out <- frag:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		sc := bufio.NewScanner(strings.NewReader(text))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				if err := emit(); err != nil {
					return err
				}
				continue
			}
			para = append(para, line)
			paraTok += approxTokens(line)
			if paraTok >= maxTokens {
				if err := emit(); err != nil {
					return err
				}
			}
		}
		if err := sc.Err(); err != nil {
			return err
		}
		return emit()
	})

	return out
}

// streamChunk groups incoming fragments into token-bounded chunks with optional overlap.
//
// frags:          upstream fragments channel.
// targetTokens:   approximate tokens per chunk.
// overlapTokens:  tokens to retain from the end of the previous chunk as seed of the next.
// out:            receive-only channel of chunk structs with Pos/Text/TokenCnt.
func streamChunk(
	ctx context.Context,
	g *errgroup.Group,
	frags <-chan string,
	targetTokens int,
	overlapTokens int,
) <-chan chunk {
	out := make(chan chunk, 8)

	g.Go(func() error {
		defer close(out)

		var (
			buf    []string
			tokSum int
			pos    int
			fresh  int // tokens added since the last flush
		)

		flush := func() error {
			if fresh == 0 {
				return nil
			}
			ch := chunk{Pos: pos, Text: strings.Join(buf, "\n"), TokenCnt: tokSum}
			pos++

			select {
			case out <- ch:
			case <-ctx.Done():
				return ctx.Err()
			}

			// keep a tail whose token sum is about overlapTokens
			var keep []string
			if overlapTokens > 0 {
				remain := overlapTokens
				for j := len(buf) - 1; j >= 1 && remain > 0; j-- {
					t := approxTokens(buf[j])
					if t > remain {
						break
					}
					keep = append([]string{buf[j]}, keep...)
					remain -= t
				}
			}
			buf = keep
			tokSum = 0
			for _, s := range buf {
				tokSum += approxTokens(s)
			}
			fresh = 0
			return nil
		}

		for frag := range frags {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			t := approxTokens(frag)
			buf = append(buf, frag)
			tokSum += t
			fresh += t

			if tokSum >= targetTokens {
				if err := flush(); err != nil {
					return err
				}
			}
		}

		return flush()
	})

	return out
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
