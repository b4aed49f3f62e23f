// Command baosim drives the virtio broker with a simulated partition:
// one goroutine per physical CPU, a frontend vCPU performing MMIO
// accesses against its configured window, and a backend loop
// servicing them over the hypercall interface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"

	"github.com/liuxin324/bao-hypervisor/config"
	"github.com/liuxin324/bao-hypervisor/platform"
	"github.com/liuxin324/bao-hypervisor/virtio"
	"golang.org/x/sync/errgroup"
)

// demoConfig is used when no -config file is given: a two-VM
// partition with a single block-style instance, interrupt-driven.
const demoConfig = `
vms:
  - name: driver
    virtio_devices:
      - instance_id: 0
        priority: 1
        device_interrupt: 33
        mmio_base: 0xa0000000
  - name: device
    virtio_devices:
      - instance_id: 0
        backend: true
        device_type: 2
        virtio_interrupt: 34
`

func main() {
	var (
		cfgPath  = flag.String("config", "", "load a partition config file instead of the built-in demo")
		accesses = flag.Int("n", 4, "number of write/read access pairs the frontend performs")
	)

	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		panic(err)
	}

	if err := run(cfg, *accesses); err != nil {
		panic(err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	return config.Parse([]byte(demoConfig))
}

// run pins one vCPU per VM onto the physical CPU with the same index
// and plays n access pairs through every configured instance.
func run(cfg *config.Config, n int) error {
	sys := platform.New(len(cfg.VMs))
	for i := range cfg.VMs {
		sys.CPU(platform.CPUID(i)).AttachVCPU(platform.NewVCPU(platform.VMID(i)))
	}

	broker, err := virtio.New(sys, cfg, nil)
	if err != nil {
		return err
	}

	for i := range cfg.VMs {
		broker.AssignCPUs(sys.CPU(platform.CPUID(i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backends, frontends errgroup.Group

	for vmIdx, vm := range cfg.VMs {
		c := sys.CPU(platform.CPUID(vmIdx))

		for _, dev := range vm.Devices {
			dev := dev

			if dev.Backend {
				backends.Go(func() error {
					return serveBackend(ctx, broker, c, dev)
				})
			} else {
				frontends.Go(func() error {
					return driveFrontend(broker, c, dev, n)
				})
			}
		}
	}

	// the backends run until every frontend is done
	err = frontends.Wait()
	cancel()

	if berr := backends.Wait(); err == nil {
		err = berr
	}

	return err
}

// driveFrontend performs n write/read pairs against the device window
// and checks that every read returns what was last written.
func driveFrontend(broker *virtio.Broker, c *platform.CPU, dev config.Device, n int) error {
	const (
		dataReg   = 8
		resultReg = 9
	)

	v := c.VCPU()

	for i := 0; i < n; i++ {
		var (
			off = uint64(0x40 + 8*(i%4))
			val = uint64(0xb0a0<<8) + uint64(i)
		)

		v.WriteReg(dataReg, val)
		if !broker.HandleMMIO(c, virtio.Access{Addr: dev.MMIOBase + off, Width: 4, Write: true, Reg: dataReg}) {
			return fmt.Errorf("baosim: write to %#x not handled", dev.MMIOBase+off)
		}

		if !broker.HandleMMIO(c, virtio.Access{Addr: dev.MMIOBase + off, Width: 4, Reg: resultReg}) {
			return fmt.Errorf("baosim: read from %#x not handled", dev.MMIOBase+off)
		}

		if got := v.ReadReg(resultReg); got != val {
			return fmt.Errorf("baosim: read back %#x, wrote %#x", got, val)
		}

		slog.Info("frontend round trip", "instance", dev.InstanceID, "off", off, "value", val)
	}

	slog.Info("frontend done", "instance", dev.InstanceID, "irqs", v.Pending())

	return nil
}

// serveBackend is the device emulation loop: wait for a signal, drain
// the instance's pending requests over ask, answer each one, then
// raise the frontend's device interrupt.
func serveBackend(ctx context.Context, broker *virtio.Broker, c *platform.CPU, dev config.Device) error {
	var (
		id   = virtio.InstanceID(dev.InstanceID)
		regs = make(map[uint64]uint64)
	)

	for {
		if err := c.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		c.VCPU().AckIRQ(platform.IRQ(dev.VirtIOInterrupt))

		served := 0
		for {
			req, ok := ask(broker, c, id)
			if !ok {
				break
			}

			value := req.Value
			if req.Op == virtio.OpRead {
				value = regs[req.RegOff]
			} else {
				regs[req.RegOff] = req.Value
			}

			if !complete(broker, c, req, value) {
				return fmt.Errorf("baosim: completion for %#x rejected", req.RegOff)
			}

			served++
		}

		if served > 0 {
			hypercall(broker, c, id, 0, 0, virtio.OpNotify, 0)
		}
	}
}

// ask fetches the next pending request for id, returning ok=false
// when the queue is drained.
func ask(broker *virtio.Broker, c *platform.CPU, id virtio.InstanceID) (virtio.Request, bool) {
	if hypercall(broker, c, id, 0, 0, virtio.OpAsk, 0) != virtio.HypSuccess {
		return virtio.Request{}, false
	}

	v := c.VCPU()

	return virtio.Request{
		RegOff: v.ReadReg(virtio.RegAskOffset),
		Addr:   v.ReadReg(virtio.RegAskAddr),
		Op:     virtio.Op(v.ReadReg(virtio.RegAskOp)),
		Value:  v.ReadReg(virtio.RegAskValue),
		Width:  v.ReadReg(virtio.RegAskWidth),
	}, true
}

func complete(broker *virtio.Broker, c *platform.CPU, req virtio.Request, value uint64) bool {
	id := virtio.InstanceID(c.VCPU().ReadReg(virtio.RegAskInstance))
	return hypercall(broker, c, id, req.RegOff, req.Addr, req.Op, value) == virtio.HypSuccess
}

// hypercall loads the argument registers, traps into the broker, and
// stores the return code the way the hypercall glue would.
func hypercall(broker *virtio.Broker, c *platform.CPU, id virtio.InstanceID, regOff, addr uint64, op virtio.Op, value uint64) int64 {
	v := c.VCPU()
	v.WriteReg(virtio.RegHypInstance, uint64(id))
	v.WriteReg(virtio.RegHypOffset, regOff)
	v.WriteReg(virtio.RegHypAddr, addr)
	v.WriteReg(virtio.RegHypOp, uint64(op))
	v.WriteReg(virtio.RegHypValue, value)

	ret := broker.Hypercall(c)
	v.WriteReg(virtio.RegHypRet, ret)

	return -int64(ret)
}
