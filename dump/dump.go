// Package dump renders the async schedule for debugging: as text, or as a
// gzipped cpio archive holding the text and the raw qset blocks.
package dump

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/c35s/whci/dma"
	"github.com/c35s/whci/hw"
	"github.com/c35s/whci/whci"
	"github.com/cavaliergopher/cpio"
)

// WriteText writes one block per qset, then its ring, to w.
func WriteText(w io.Writer, qs []whci.QSetState) error {
	var b strings.Builder

	for _, q := range qs {
		fmt.Fprintf(&b, "qset %#x %s\n", q.Addr, describe(q))
		fmt.Fprintf(&b, "  link %#016x info1 %#08x info2 %#08x info3 %#08x status %#04x\n",
			q.Link, q.Info1, q.Info2, q.Info3, q.Status)

		fmt.Fprintf(&b, "  ntds %d td_start %d td_end %d icur %d pending %d\n",
			q.NTDs, q.TDStart, q.TDEnd, hw.QHStatusToICur(q.Status), q.Pending)

		for i, d := range q.QTDs {
			if d.Status == 0 && !d.Owned {
				continue
			}

			fmt.Fprintf(&b, "  qtd[%d] status %#08x options %#x ptr %#x len %d%s\n",
				i, d.Status, d.Options, d.Ptr, hw.QTDStsToLen(d.Status), qtdFlags(d))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Archive writes a gzipped cpio archive to w. It holds asl.txt, as written by
// WriteText, and each qset's raw block read from mem as qset-<addr>.bin.
func Archive(w io.Writer, mem dma.Memory, qs []whci.QSetState) error {
	zw := gzip.NewWriter(w)
	cw := cpio.NewWriter(zw)

	text := new(bytes.Buffer)
	if err := WriteText(text, qs); err != nil {
		return err
	}

	if err := writeFile(cw, "asl.txt", text.Bytes()); err != nil {
		return err
	}

	for _, q := range qs {
		blk := make([]byte, hw.QSetSize)
		mem.ReadAt(blk, q.Addr)

		if err := writeFile(cw, fmt.Sprintf("qset-%08x.bin", q.Addr), blk); err != nil {
			return err
		}
	}

	if err := cw.Close(); err != nil {
		return err
	}

	return zw.Close()
}

func writeFile(cw *cpio.Writer, name string, data []byte) error {
	err := cw.WriteHeader(&cpio.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(data)),
	})

	if err != nil {
		return fmt.Errorf("dump: %s: %w", name, err)
	}

	if _, err := cw.Write(data); err != nil {
		return fmt.Errorf("dump: %s: %w", name, err)
	}

	return nil
}

func describe(q whci.QSetState) string {
	var f []string

	if q.Anchor {
		f = append(f, "anchor")
	} else if q.Endpoint != nil {
		dir := "out"
		if q.Endpoint.IsIn() {
			dir = "in"
		}

		f = append(f, fmt.Sprintf("ep %d %s %v dev %d", q.Endpoint.Number(), dir, q.Endpoint.Type, hw.Info1DevIdx(q.Info1)))
	}

	for _, x := range []struct {
		set  bool
		name string
	}{
		{q.InSW, "sw"},
		{q.InHW, "hw"},
		{q.Removing, "removing"},
		{q.Remove, "remove"},
		{q.Reset, "reset"},
		{q.Paused, "paused"},
		{q.Status&hw.QHStatusHalted != 0, "halted"},
		{q.Status&hw.QHStatusInactive != 0, "inactive"},
	} {
		if x.set {
			f = append(f, x.name)
		}
	}

	return "[" + strings.Join(f, " ") + "]"
}

func qtdFlags(d whci.QTDState) string {
	var f []string

	for _, x := range []struct {
		bit  uint32
		name string
	}{
		{hw.QTDStsActive, "active"},
		{hw.QTDStsHalted, "halted"},
		{hw.QTDStsDBE, "dbe"},
		{hw.QTDStsBabble, "babble"},
		{hw.QTDStsRCE, "rce"},
		{hw.QTDStsLastPkt, "last"},
	} {
		if d.Status&x.bit != 0 {
			f = append(f, x.name)
		}
	}

	if d.Status&hw.QTDStsIAltValid != 0 {
		f = append(f, fmt.Sprintf("ialt=%d", hw.QTDStsToIAlt(d.Status)))
	}

	if d.Options&hw.QTDOptSmall == 0 {
		f = append(f, "pagelist")
	}

	if len(f) == 0 {
		return ""
	}

	return " " + strings.Join(f, " ")
}
