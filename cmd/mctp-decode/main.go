package main

// mctp-decode pretty-prints captured bus frames. Frames are given as hex
// strings, one per argument or one per stdin line, and are decoded through
// the same layer the daemon uses.

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kingpin"
	"github.com/google/gopacket"

	"github.com/kestrelfw/rot/pkg/mctp"
)

var argFrames = kingpin.Arg("frame", "Hex-encoded frames to decode; stdin when empty.").
	Strings()

func main() {
	kingpin.Parse()

	frames := *argFrames
	if len(frames) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				frames = append(frames, line)
			}
		}
	}

	exit := 0
	for i, frame := range frames {
		if err := decode(i, frame); err != nil {
			fmt.Fprintf(os.Stderr, "frame %v: %v\n", i, err)
			exit = 1
		}
	}
	os.Exit(exit)
}

func decode(i int, frame string) error {
	raw, err := hex.DecodeString(strings.ReplaceAll(frame, " ", ""))
	if err != nil {
		return err
	}

	pkt := &mctp.TransportPacket{}
	if err := pkt.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return err
	}

	fmt.Printf("frame %v: %#.2x -> %#.2x  EID %#.2x -> %#.2x\n",
		i, pkt.SrcAddr, pkt.DestAddr, uint8(pkt.SrcEID), uint8(pkt.DestEID))
	fmt.Printf("  som=%v eom=%v seq=%v tag=%v owner=%v", pkt.SOM, pkt.EOM,
		pkt.Sequence, pkt.Tag, pkt.TagOwner)
	if pkt.SOM {
		fmt.Printf(" type=%v", pkt.Type)
	}
	fmt.Printf("\n  payload (%v bytes): %x\n", len(pkt.Payload), pkt.Payload)
	return nil
}
