// SPDX-License-Identifier: GPL-2.0-only

package deviceplugin

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vhci-go/vhci/vhci"
	"k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// listWatchInterval is how often ListAndWatch re-sends the full device
// list. Every entry is reported Healthy each time; a port's connect or
// disconnect state does not change what is sent.
const listWatchInterval = 10 * time.Second

// portRef resolves a device ID back to the controller and port it names.
type portRef struct {
	controller *vhci.Controller
	port       int
}

// PortPlugin exposes each registered Controller's free root-hub ports as a
// Kubernetes device-plugin resource. A claimed port is handed to a
// container as the shared /dev/usb-vhci node plus env vars telling it
// which port and controller to bind, the way USBIPPlugin in the source
// this is grounded on hands a container an attached USB/IP device node.
type PortPlugin struct {
	v1beta1.UnimplementedDevicePluginServer
	resource string
	devices  map[string]portRef
	logger   log.Logger

	mu        sync.Mutex
	allocated map[string]bool

	availablePortGauge prometheus.Gauge
	allocatedPortGauge prometheus.Gauge
	allocationsCounter prometheus.Counter
}

// NewPortPlugin builds a PortPlugin exposing every port of every given
// controller under resourceName.
func NewPortPlugin(controllers []*vhci.Controller, resourceName string, pluginDir string, logger log.Logger, reg prometheus.Registerer) Plugin {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	devices := make(map[string]portRef)
	for _, c := range controllers {
		for port := 1; port <= c.PortCount(); port++ {
			devices[portDeviceID(c, port)] = portRef{controller: c, port: port}
		}
	}

	p := &PortPlugin{
		resource:  resourceName,
		devices:   devices,
		logger:    logger,
		allocated: make(map[string]bool, len(devices)),
		availablePortGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vhci_device_plugin_available_ports",
			Help: "The number of root-hub ports not currently allocated to a container.",
		}),
		allocatedPortGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vhci_device_plugin_allocated_ports",
			Help: "The number of root-hub ports currently allocated to a container.",
		}),
		allocationsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vhci_device_plugin_allocations_total",
			Help: "The total number of port allocations made by this device plugin.",
		}),
	}

	if reg != nil {
		reg.MustRegister(p.availablePortGauge, p.allocatedPortGauge, p.allocationsCounter)
	}

	return NewPlugin(resourceName, pluginDir, p, logger, prometheus.WrapRegistererWithPrefix("vhci_", reg))
}

func portDeviceID(c *vhci.Controller, port int) string {
	return fmt.Sprintf("%s-port%d", c.BusID(), port)
}

// GetDeviceState always returns healthy: a port's health as a k8s resource
// tracks allocation, not the transient connect/disconnect state surfaced
// through PortStatWork — a disconnected port is still a usable resource.
func (pp *PortPlugin) GetDeviceState(_ string) string {
	return v1beta1.Healthy
}

// Allocate hands a requesting container the shared device node plus the
// specific port/bus it was granted, via environment variables the
// container's own VHCI client reads to pick its port.
func (pp *PortPlugin) Allocate(_ context.Context, req *v1beta1.AllocateRequest) (*v1beta1.AllocateResponse, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	res := &v1beta1.AllocateResponse{
		ContainerResponses: make([]*v1beta1.ContainerAllocateResponse, 0, len(req.ContainerRequests)),
	}
	for _, r := range req.ContainerRequests {
		resp := new(v1beta1.ContainerAllocateResponse)
		for _, id := range r.DevicesIDs {
			ref, ok := pp.devices[id]
			if !ok {
				return nil, fmt.Errorf("requested port does not exist: %s", id)
			}
			if pp.allocated[id] {
				return nil, fmt.Errorf("requested port %s is already allocated", id)
			}
			pp.allocated[id] = true
			resp.Devices = append(resp.Devices, &v1beta1.DeviceSpec{
				ContainerPath: vhci.DefaultDevicePath,
				HostPath:      vhci.DefaultDevicePath,
				Permissions:   "mrw",
			})
			resp.Envs = map[string]string{
				"VHCI_BUS_ID":        ref.controller.BusID(),
				"VHCI_PORT":          fmt.Sprintf("%d", ref.port),
				"VHCI_CONTROLLER_ID": fmt.Sprintf("%d", ref.controller.ControllerID()),
			}
			_ = level.Info(pp.logger).Log("msg", "allocated port", "device_id", id)
		}
		res.ContainerResponses = append(res.ContainerResponses, resp)
	}
	pp.allocationsCounter.Add(float64(len(res.ContainerResponses)))
	return res, nil
}

// GetDevicePluginOptions always returns an empty response.
func (pp *PortPlugin) GetDevicePluginOptions(_ context.Context, _ *v1beta1.Empty) (*v1beta1.DevicePluginOptions, error) {
	return &v1beta1.DevicePluginOptions{}, nil
}

func (pp *PortPlugin) updateGauges() {
	allocated := len(pp.allocated)
	pp.allocatedPortGauge.Set(float64(allocated))
	pp.availablePortGauge.Set(float64(len(pp.devices) - allocated))
}

// ListAndWatch reports every port as Healthy on a fixed interval. Ports
// never become Unhealthy: an unallocated, disconnected port is still a
// valid allocation target, since the application running inside the
// claimed container is itself responsible for driving a connect.
func (pp *PortPlugin) ListAndWatch(_ *v1beta1.Empty, stream v1beta1.DevicePlugin_ListAndWatchServer) error {
	_ = level.Info(pp.logger).Log("msg", "starting listwatch", "resource", pp.resource)
	ticker := time.NewTicker(listWatchInterval)
	defer ticker.Stop()
	for {
		pp.mu.Lock()
		pp.updateGauges()
		res := new(v1beta1.ListAndWatchResponse)
		for id := range pp.devices {
			res.Devices = append(res.Devices, &v1beta1.Device{ID: id, Health: v1beta1.Healthy})
		}
		pp.mu.Unlock()

		if err := stream.Send(res); err != nil {
			return err
		}
		<-ticker.C
	}
}

// PreStartContainer always returns an empty response.
func (pp *PortPlugin) PreStartContainer(_ context.Context, _ *v1beta1.PreStartContainerRequest) (*v1beta1.PreStartContainerResponse, error) {
	return &v1beta1.PreStartContainerResponse{}, nil
}

// GetPreferredAllocation always returns an empty response.
func (pp *PortPlugin) GetPreferredAllocation(context.Context, *v1beta1.PreferredAllocationRequest) (*v1beta1.PreferredAllocationResponse, error) {
	return &v1beta1.PreferredAllocationResponse{}, nil
}
