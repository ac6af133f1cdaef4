package marlin

import "fmt"

// frameLine assigns line number n to command and returns both the wire
// bytes to send (spec §3: "N<N> <command>*<checksum>\n") and the body the
// checksum was computed over, for logging.
func frameLine(n int, command string) (wire string, body string) {
	body = fmt.Sprintf("N%d %s", n, command)
	return fmt.Sprintf("%s*%d\n", body, xorChecksum(body)), body
}

// xorChecksum XORs every byte of s (spec §3).
func xorChecksum(s string) byte {
	var c byte
	for i := 0; i < len(s); i++ {
		c ^= s[i]
	}
	return c
}
