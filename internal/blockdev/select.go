package blockdev

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
)

// ConfirmToken is the literal string an operator must type before a
// destructive operation proceeds. A generic y/n is too easy to type
// reflexively when a terabyte of data is on the line.
const ConfirmToken = "ERASE"

// ErrAborted signals a clean user-initiated abort at a prompt. Callers map
// it to a successful (zero) exit status, not an error.
var ErrAborted = errors.New("aborted by user")

// Select picks a device from candidates. A single candidate is selected
// automatically; multiple candidates require an explicit index from in.
func Select(devices []Device, in io.Reader, out io.Writer) (Device, error) {
	if len(devices) == 0 {
		return Device{}, errors.New("no removable devices found")
	}
	if len(devices) == 1 {
		fmt.Fprintf(out, "Using %s\n", devices[0])
		return devices[0], nil
	}

	fmt.Fprintln(out, "Multiple removable devices found:")
	for i, d := range devices {
		fmt.Fprintf(out, "  [%d] %s %s (%s)\n", i, d.Path,
			units.BytesSize(float64(d.Size)), d.Model)
	}
	fmt.Fprint(out, "Select device index: ")

	line, err := readLine(in)
	if err != nil {
		return Device{}, ErrAborted
	}
	idx, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || idx < 0 || idx >= len(devices) {
		return Device{}, fmt.Errorf("invalid device index %q", strings.TrimSpace(line))
	}
	return devices[idx], nil
}

// ConfirmWipe requires the literal confirmation token. Any other input,
// including empty input, aborts.
func ConfirmWipe(device Device, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "ALL DATA on %s will be destroyed.\n", device.Path)
	fmt.Fprintf(out, "Type %s to continue: ", ConfirmToken)

	line, err := readLine(in)
	if err != nil {
		return ErrAborted
	}
	if strings.TrimSpace(line) != ConfirmToken {
		return ErrAborted
	}
	return nil
}

func readLine(in io.Reader) (string, error) {
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}
