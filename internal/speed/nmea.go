package speed

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roadhum/vibesense/internal/units"
)

// parseRMC extracts ground speed in m/s from an NMEA RMC sentence
// ("$GPRMC,..." or any talker prefix). ok is false for non-RMC sentences;
// an RMC sentence that is malformed or flagged void returns an error.
func parseRMC(line string) (mps float64, ok bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return 0, false, nil
	}

	body := line[1:]
	if i := strings.IndexByte(body, '*'); i >= 0 {
		sum := body[i+1:]
		body = body[:i]
		if err := verifyChecksum(body, sum); err != nil {
			return 0, false, err
		}
	}

	fields := strings.Split(body, ",")
	if len(fields) < 8 || !strings.HasSuffix(fields[0], "RMC") {
		return 0, false, nil
	}

	// Field 2 is the status flag: A = active fix, V = void.
	if fields[2] != "A" {
		return 0, false, fmt.Errorf("nmea: no fix (status %q)", fields[2])
	}

	// Field 7 is speed over ground in knots.
	if fields[7] == "" {
		return 0, false, fmt.Errorf("nmea: RMC sentence missing speed field")
	}
	knots, perr := strconv.ParseFloat(fields[7], 64)
	if perr != nil {
		return 0, false, fmt.Errorf("nmea: bad speed field %q: %w", fields[7], perr)
	}
	if knots < 0 {
		return 0, false, fmt.Errorf("nmea: negative speed %v", knots)
	}
	return units.KnotsToMps(knots), true, nil
}

func verifyChecksum(body, sumHex string) error {
	want, err := strconv.ParseUint(sumHex, 16, 8)
	if err != nil {
		return fmt.Errorf("nmea: bad checksum field %q", sumHex)
	}
	var got byte
	for i := 0; i < len(body); i++ {
		got ^= body[i]
	}
	if got != byte(want) {
		return fmt.Errorf("nmea: checksum mismatch: computed %02X, sentence says %02X", got, want)
	}
	return nil
}
