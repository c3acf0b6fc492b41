//go:build windows

package source

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"

	"github.com/castlink/cast-agent/internal/capture"
)

var (
	clsidMMDeviceEnumerator = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator  = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioClient         = ole.NewGUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioCaptureClient  = ole.NewGUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")
)

const (
	eCapture = 1
	eConsole = 0

	audclntShareModeShared          = 0
	audclntStreamFlagsEventCallback = 0x00040000
	audclntBufferFlagsSilent        = 0x2
	audclntEDeviceInvalidated       = 0x88890004

	waveFormatIEEEFloat  = 0x0003
	waveFormatExtensible = 0xFFFE

	// COM vtable indices; IUnknown takes 0-2.
	mmdeGetDefaultAudioEndpoint = 4
	mmdeGetDevice               = 5
	mmDeviceActivate            = 3
	audioClientInitialize       = 3
	audioClientGetMixFormat     = 8
	audioClientStart            = 10
	audioClientStop             = 11
	audioClientSetEventHandle   = 13
	audioClientGetService       = 14
	capClientGetBuffer          = 3
	capClientReleaseBuffer      = 4

	// 200ms shared-mode buffer in 100ns units.
	wasapiBufferDuration = 200 * 10000
	wasapiWaitMs         = 100
)

type waveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

func comCall(obj uintptr, idx int, args ...uintptr) error {
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	fn := *(*uintptr)(unsafe.Pointer(vtbl + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
	ret, _, _ := syscall.SyscallN(fn, append([]uintptr{obj}, args...)...)
	if int32(ret) < 0 {
		return fmt.Errorf("COM vtable[%d] HRESULT 0x%08X", idx, uint32(ret))
	}
	return nil
}

// comRelease calls IUnknown::Release.
func comRelease(obj uintptr) {
	if obj != 0 {
		syscall.SyscallN(comVtbl(obj, 2), obj)
	}
}

// wasapiDevice captures a WASAPI endpoint in shared, event-driven mode.
// Every COM call happens on one locked OS thread.
type wasapiDevice struct {
	id     string
	params capture.AudioParams

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func openCaptureDevice(id string, p capture.AudioParams) (captureDevice, error) {
	return &wasapiDevice{id: id, params: p, done: make(chan struct{})}, nil
}

func (d *wasapiDevice) start(push func([]byte), fail func(error)) error {
	ready := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
			var oleErr *ole.OleError
			// S_FALSE: already initialized on this thread.
			if !errors.As(err, &oleErr) || oleErr.Code() != 1 {
				ready <- fmt.Errorf("microphone: CoInitializeEx: %w", err)
				return
			}
		}
		defer ole.CoUninitialize()

		s, err := d.open()
		if err != nil {
			ready <- err
			return
		}
		defer s.release()
		ready <- nil

		if err := s.loop(d.done, push); err != nil {
			log.Warn("microphone capture ended", "error", err)
			fail(err)
		}
	}()
	return <-ready
}

func (d *wasapiDevice) close() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

type wasapiSession struct {
	enumerator    *ole.IUnknown
	device        uintptr
	audioClient   uintptr
	captureClient uintptr
	event         windows.Handle
	started       bool

	srcFrameBytes int
	conv          *pcmConverter
	out           []byte
}

func (d *wasapiDevice) open() (*wasapiSession, error) {
	s := &wasapiSession{}
	var err error
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	s.enumerator, err = ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return nil, fmt.Errorf("microphone: create device enumerator: %w", err)
	}
	enum := uintptr(unsafe.Pointer(s.enumerator))

	if d.id == "" {
		err = comCall(enum, mmdeGetDefaultAudioEndpoint, eCapture, eConsole, uintptr(unsafe.Pointer(&s.device)))
	} else {
		var id *uint16
		if id, err = windows.UTF16PtrFromString(d.id); err != nil {
			return nil, fmt.Errorf("microphone: device id: %w", err)
		}
		err = comCall(enum, mmdeGetDevice, uintptr(unsafe.Pointer(id)), uintptr(unsafe.Pointer(&s.device)))
	}
	if err != nil {
		return nil, fmt.Errorf("microphone: endpoint %q: %w: %w", d.id, err, capture.ErrUnsupportedFormat)
	}

	err = comCall(s.device, mmDeviceActivate,
		uintptr(unsafe.Pointer(iidIAudioClient)), uintptr(ole.CLSCTX_ALL), 0,
		uintptr(unsafe.Pointer(&s.audioClient)))
	if err != nil {
		return nil, fmt.Errorf("microphone: activate IAudioClient: %w", err)
	}

	var mixPtr uintptr
	if err = comCall(s.audioClient, audioClientGetMixFormat, uintptr(unsafe.Pointer(&mixPtr))); err != nil {
		return nil, fmt.Errorf("microphone: GetMixFormat: %w", err)
	}
	mix := *(*waveFormatEx)(unsafe.Pointer(mixPtr))
	log.Info("WASAPI capture mix format",
		"channels", mix.Channels,
		"sampleRate", mix.SamplesPerSec,
		"bitsPerSample", mix.BitsPerSample,
		"formatTag", mix.FormatTag,
	)

	err = comCall(s.audioClient, audioClientInitialize,
		audclntShareModeShared,
		audclntStreamFlagsEventCallback,
		wasapiBufferDuration,
		0,
		mixPtr,
		0,
	)
	// Initialize has consumed the format; free it either way.
	ole.CoTaskMemFree(mixPtr)
	if err != nil {
		return nil, fmt.Errorf("microphone: Initialize: %w", err)
	}

	if s.event, err = windows.CreateEvent(nil, 0, 0, nil); err != nil {
		return nil, fmt.Errorf("microphone: CreateEvent: %w", err)
	}
	if err = comCall(s.audioClient, audioClientSetEventHandle, uintptr(s.event)); err != nil {
		return nil, fmt.Errorf("microphone: SetEventHandle: %w", err)
	}
	if err = comCall(s.audioClient, audioClientGetService,
		uintptr(unsafe.Pointer(iidIAudioCaptureClient)),
		uintptr(unsafe.Pointer(&s.captureClient))); err != nil {
		return nil, fmt.Errorf("microphone: GetService IAudioCaptureClient: %w", err)
	}
	if err = comCall(s.audioClient, audioClientStart); err != nil {
		return nil, fmt.Errorf("microphone: Start: %w", err)
	}
	s.started = true

	bits := int(mix.BitsPerSample)
	isFloat := mix.FormatTag == waveFormatIEEEFloat || (mix.FormatTag == waveFormatExtensible && bits == 32)
	s.srcFrameBytes = int(mix.Channels) * bits / 8
	s.conv = newPCMConverter(int(mix.SamplesPerSec), int(mix.Channels), bits, isFloat, d.params.SampleRate, d.params.Channels)
	return s, nil
}

func (s *wasapiSession) loop(done <-chan struct{}, push func([]byte)) error {
	var silence []byte
	for {
		select {
		case <-done:
			return nil
		default:
		}
		if _, err := windows.WaitForSingleObject(s.event, wasapiWaitMs); err != nil {
			return fmt.Errorf("wait for capture event: %w", err)
		}

		for {
			var (
				data      uintptr
				numFrames uint32
				flags     uint32
			)
			hr, _, _ := syscall.SyscallN(
				comVtbl(s.captureClient, capClientGetBuffer),
				s.captureClient,
				uintptr(unsafe.Pointer(&data)),
				uintptr(unsafe.Pointer(&numFrames)),
				uintptr(unsafe.Pointer(&flags)),
				0,
				0,
			)
			if int32(hr) < 0 {
				if uint32(hr) == audclntEDeviceInvalidated {
					return errors.New("capture device invalidated")
				}
				log.Debug("WASAPI GetBuffer transient error", "hr", fmt.Sprintf("0x%08X", uint32(hr)))
				break
			}
			if numFrames == 0 {
				break
			}

			size := int(numFrames) * s.srcFrameBytes
			var raw []byte
			if flags&audclntBufferFlagsSilent != 0 || data == 0 {
				if cap(silence) < size {
					silence = make([]byte, size)
				}
				raw = silence[:size]
			} else {
				raw = unsafe.Slice((*byte)(unsafe.Pointer(data)), size)
			}
			s.out = s.conv.Convert(raw, s.out[:0])

			if err := comCall(s.captureClient, capClientReleaseBuffer, uintptr(numFrames)); err != nil {
				return fmt.Errorf("ReleaseBuffer: %w", err)
			}
			push(s.out)
		}
	}
}

func comVtbl(obj uintptr, idx int) uintptr {
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtbl + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
}

func (s *wasapiSession) release() {
	if s.started {
		_ = comCall(s.audioClient, audioClientStop)
	}
	comRelease(s.captureClient)
	comRelease(s.audioClient)
	comRelease(s.device)
	if s.enumerator != nil {
		s.enumerator.Release()
	}
	if s.event != 0 {
		_ = windows.CloseHandle(s.event)
	}
}
