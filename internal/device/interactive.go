package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// InteractivePolicy asks the operator which device serves each function.
// Answers are not validated here; the Allocator applies the usual fallback.
type InteractivePolicy struct {
	In        io.Reader
	Out       io.Writer
	Functions []Function
	// Defaults supplies TimeSlice, AllowShare, Order and SliceADSB; the
	// prompts may override the first two.
	Defaults Request
}

func (p *InteractivePolicy) Request(devices []Device) (Request, error) {
	r := bufio.NewReader(p.In)
	out := p.Out
	if out == nil {
		out = io.Discard
	}
	req := p.Defaults
	req.Functions = nil
	req.Choices = make(map[Function]string)

	_, _ = fmt.Fprintln(out, "Detected devices:")
	for _, d := range devices {
		_, _ = fmt.Fprintf(out, "  [%d] %s\n", d.Index, d.Descriptor)
	}
	for _, f := range p.Functions {
		_, _ = fmt.Fprintf(out, "Device for %s (index or serial, empty for auto, - to disable): ", f)
		ans, err := readAnswer(r)
		if err != nil {
			return Request{}, err
		}
		switch strings.ToLower(ans) {
		case "-", "n", "no", "off":
			continue
		}
		req.Functions = append(req.Functions, f)
		if ans != "" {
			req.Choices[f] = ans
		}
	}

	if len(devices) == 1 && len(req.Functions) > 1 {
		_, _ = fmt.Fprintf(out, "Time-slice %d functions on the only device? [Y/n]: ", len(req.Functions))
		ans, err := readAnswer(r)
		if err != nil {
			return Request{}, err
		}
		req.TimeSlice = !isNo(ans)
	} else if shared := sharedChoices(req.Choices); len(shared) > 0 {
		_, _ = fmt.Fprintf(out, "Share device %s between functions with time-slicing? [y/N]: ", strings.Join(shared, ", "))
		ans, err := readAnswer(r)
		if err != nil {
			return Request{}, err
		}
		req.AllowShare = isYes(ans)
		if req.AllowShare {
			req.TimeSlice = true
		}
	}
	return req, nil
}

// readAnswer reads one line; EOF counts as an empty answer.
func readAnswer(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "y" || s == "yes"
}

func isNo(s string) bool {
	s = strings.ToLower(s)
	return s == "n" || s == "no"
}

func sharedChoices(choices map[Function]string) []string {
	count := make(map[string]int)
	for _, f := range Functions {
		if c, ok := choices[f]; ok {
			count[c]++
		}
	}
	var out []string
	for _, f := range Functions {
		c, ok := choices[f]
		if ok && count[c] > 1 {
			out = append(out, c)
			count[c] = 0
		}
	}
	return out
}
