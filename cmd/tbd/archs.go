package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	tbd "github.com/appsworld/go-tbd"
	"github.com/appsworld/go-tbd/pkg/arch"
	"github.com/appsworld/go-tbd/pkg/dyld"
	"github.com/appsworld/go-tbd/types"
)

var archsCmd = &cobra.Command{
	Use:   "archs <path>",
	Short: "List the architectures of a Mach-O, fat file, or shared cache",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchs,
}

func runArchs(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	var magic [dyld.MagicLen]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return fmt.Errorf("%w: %v", tbd.ErrReadFail, err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Arch", "CPU", "Subtype"})

	if info := dyld.ArchForMagic(magic[:]); info != nil {
		table.Append([]string{"1", info.Name, info.CPU.String(), fmt.Sprintf("%#x", uint32(info.SubCPU))})
		table.Render()
		return nil
	}

	pairs, err := readArchPairs(f, magic[:4])
	if err != nil {
		return err
	}
	for i, p := range pairs {
		name := "(unsupported)"
		if info := arch.ForCPU(p.cpu, p.sub); info != nil {
			name = info.Name
		}
		table.Append([]string{
			fmt.Sprintf("%d", i+1), name,
			p.cpu.String(), fmt.Sprintf("%#x", uint32(p.sub)),
		})
	}
	table.Render()
	return nil
}

type archPair struct {
	cpu types.CPU
	sub types.CPUSubtype
}

// readArchPairs pulls the (cputype, cpusubtype) pairs out of a thin
// header or each fat arch record, without parsing further.
func readArchPairs(f *os.File, rawMagic []byte) ([]archPair, error) {
	magic := types.Magic(binary.LittleEndian.Uint32(rawMagic))
	bo := binary.ByteOrder(binary.LittleEndian)
	if magic.IsSwapped() {
		bo = binary.BigEndian
	}

	switch {
	case magic.IsThin():
		var raw [types.FileHeaderSize32]byte
		if _, err := f.ReadAt(raw[:], 0); err != nil {
			return nil, fmt.Errorf("%w: %v", tbd.ErrReadFail, err)
		}
		return []archPair{{
			cpu: types.CPU(bo.Uint32(raw[4:])),
			sub: types.CPUSubtype(bo.Uint32(raw[8:])),
		}}, nil

	case magic.IsFat():
		var raw [types.FatHeaderSize]byte
		if _, err := f.ReadAt(raw[:], 0); err != nil {
			return nil, fmt.Errorf("%w: %v", tbd.ErrReadFail, err)
		}
		nfatArch := bo.Uint32(raw[4:])
		if nfatArch == 0 {
			return nil, tbd.ErrNoArchitectures
		}

		recordSize := uint64(types.FatArchSize)
		if magic.Is64() {
			recordSize = types.FatArch64Size
		}
		buf := make([]byte, recordSize*uint64(nfatArch))
		if _, err := f.ReadAt(buf, types.FatHeaderSize); err != nil {
			return nil, fmt.Errorf("%w: %v", tbd.ErrReadFail, err)
		}

		pairs := make([]archPair, nfatArch)
		for i := range pairs {
			rec := buf[uint64(i)*recordSize:]
			pairs[i] = archPair{
				cpu: types.CPU(bo.Uint32(rec[0:])),
				sub: types.CPUSubtype(bo.Uint32(rec[4:])),
			}
		}
		return pairs, nil
	}
	return nil, tbd.ErrNotMachO
}
