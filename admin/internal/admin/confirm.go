package admin

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Confirm asks the operator to type "yes" before a destructive operation.
func Confirm(in io.Reader, out io.Writer, what string) (bool, error) {
	fmt.Fprintf(out, "\nWARNING: %s\n", what)
	fmt.Fprintf(out, "This is a DESTRUCTIVE operation that cannot be undone!\n")
	fmt.Fprintf(out, "Type 'yes' to confirm: ")

	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && response != "") {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	if strings.TrimSpace(strings.ToLower(response)) != "yes" {
		fmt.Fprintf(out, "\nConfirmation failed. Operation cancelled.\n")
		return false, nil
	}
	fmt.Fprintln(out)
	return true, nil
}
