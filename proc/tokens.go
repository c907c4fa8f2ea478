package proc

import (
	"bufio"
	"fmt"
	"io"

	"github.com/AarC10/ipcbench/lib/ipc"
)

// Tokens calls fn with each whitespace-separated word read from r, in order.
// The slice passed to fn is only valid until fn returns.
// Words longer than maxToken bytes are an error; maxToken <= 0 means
// ipc.DefaultMaxMessageSize.
func Tokens(r io.Reader, maxToken int, fn func(word []byte) error) error {
	if maxToken <= 0 {
		maxToken = ipc.DefaultMaxMessageSize
	}
	scanner := bufio.NewScanner(r)
	initial := min(maxToken, 64*1024)
	scanner.Buffer(make([]byte, 0, initial), maxToken)
	scanner.Split(bufio.ScanWords)

	for scanner.Scan() {
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}
