//go:build linux

package capture

/*
#cgo pkg-config: libpipewire-0.3
#include <string.h>
#include <pipewire/pipewire.h>
#include <spa/param/video/format-utils.h>
#include <spa/param/audio/format-utils.h>
#include <spa/pod/builder.h>
#include <spa/utils/defs.h>

// One static-ish scratch buffer per built pod. PipeWire's own examples build
// params on the stack inside a single function and hand the resulting
// pointers to pw_stream_connect before the buffer goes out of scope; we do
// the same shape here but allocate on the heap so the buffer survives the
// cgo call boundary back into Go, and free it after pw_stream_connect has
// copied what it needs (PipeWire copies params it is given, it does not
// retain the builder buffer).
static struct spa_pod *miniav_build_video_format(uint8_t *buf, size_t bufsize,
		uint32_t format, uint32_t width, uint32_t height,
		uint32_t rateNum, uint32_t rateDen, uint64_t modifier, int haveModifier) {
	struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buf, bufsize);
	struct spa_pod_frame f;
	spa_pod_builder_push_object(&b, &f, SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat);
	spa_pod_builder_add(&b,
		SPA_FORMAT_mediaType,    SPA_POD_Id(SPA_MEDIA_TYPE_video),
		SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
		SPA_FORMAT_VIDEO_format, SPA_POD_Id(format),
		SPA_FORMAT_VIDEO_size,   SPA_POD_Rectangle(SPA_RECTANGLE(width, height)),
		SPA_FORMAT_VIDEO_framerate, SPA_POD_Fraction(SPA_FRACTION(rateNum, rateDen)),
		0);
	if (haveModifier) {
		spa_pod_builder_prop(&b, SPA_FORMAT_VIDEO_modifier,
			SPA_POD_PROP_FLAG_MANDATORY | SPA_POD_PROP_FLAG_DONT_FIXATE);
		spa_pod_builder_long(&b, (int64_t)modifier);
	}
	return (struct spa_pod *)spa_pod_builder_pop(&b, &f);
}

static struct spa_pod *miniav_build_buffers(uint8_t *buf, size_t bufsize, int maxBuffers) {
	struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buf, bufsize);
	struct spa_pod_frame f;
	spa_pod_builder_push_object(&b, &f, SPA_TYPE_OBJECT_ParamBuffers, SPA_PARAM_Buffers);
	spa_pod_builder_add(&b,
		SPA_PARAM_BUFFERS_buffers, SPA_POD_CHOICE_RANGE_Int(4, 1, maxBuffers),
		SPA_PARAM_BUFFERS_dataType, SPA_POD_CHOICE_FLAGS_Int(
			(1<<SPA_DATA_DmaBuf) | (1<<SPA_DATA_MemFd) | (1<<SPA_DATA_MemPtr)),
		0);
	return (struct spa_pod *)spa_pod_builder_pop(&b, &f);
}

static struct spa_pod *miniav_build_audio_format(uint8_t *buf, size_t bufsize,
		uint32_t format, uint32_t channels, uint32_t rate) {
	struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buf, bufsize);
	struct spa_pod_frame f;
	spa_pod_builder_push_object(&b, &f, SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat);
	spa_pod_builder_add(&b,
		SPA_FORMAT_mediaType,    SPA_POD_Id(SPA_MEDIA_TYPE_audio),
		SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
		SPA_FORMAT_AUDIO_format, SPA_POD_Id(format),
		SPA_FORMAT_AUDIO_channels, SPA_POD_Int(channels),
		SPA_FORMAT_AUDIO_rate, SPA_POD_Int(rate),
		0);
	return (struct spa_pod *)spa_pod_builder_pop(&b, &f);
}

// Format-changed parsing: pull width/height/rate/modifier back out of the
// fixated param PipeWire hands to param_changed. spa_format_video_raw_parse
// is the documented helper for this.
static int miniav_parse_video_format(const struct spa_pod *param,
		uint32_t *format, uint32_t *width, uint32_t *height,
		uint32_t *rateNum, uint32_t *rateDen, uint64_t *modifier, int *haveModifier) {
	struct spa_video_info_raw info;
	memset(&info, 0, sizeof(info));
	if (spa_format_video_raw_parse(param, &info) < 0) {
		return -1;
	}
	*format = info.format;
	*width = info.size.width;
	*height = info.size.height;
	*rateNum = info.framerate.num;
	*rateDen = info.framerate.denom;

	const struct spa_pod_prop *prop = spa_pod_find_prop(param, NULL, SPA_FORMAT_VIDEO_modifier);
	if (prop != NULL) {
		spa_pod_get_long(&prop->value, (int64_t *)modifier);
		*haveModifier = 1;
	} else {
		*haveModifier = 0;
	}
	return 0;
}
*/
import "C"

import "unsafe"

const drmFormatModLinear = 0 // DRM_FORMAT_MOD_LINEAR

// spaVideoFormatIDs maps our PixelFormat enum to the SPA video format id.
// Table, not switch, per the same design note planes.go follows.
var spaVideoFormatIDs = map[PixelFormat]C.uint32_t{
	PixelBGRA32: C.SPA_VIDEO_FORMAT_BGRA,
	PixelRGBA32: C.SPA_VIDEO_FORMAT_RGBA,
	PixelARGB32: C.SPA_VIDEO_FORMAT_ARGB,
	PixelABGR32: C.SPA_VIDEO_FORMAT_ABGR,
	PixelBGRX32: C.SPA_VIDEO_FORMAT_BGRx,
	PixelI420:   C.SPA_VIDEO_FORMAT_I420,
	PixelNV12:   C.SPA_VIDEO_FORMAT_NV12,
	PixelYUY2:   C.SPA_VIDEO_FORMAT_YUY2,
}

var spaVideoFormatFromID = func() map[C.uint32_t]PixelFormat {
	m := make(map[C.uint32_t]PixelFormat, len(spaVideoFormatIDs))
	for k, v := range spaVideoFormatIDs {
		m[v] = k
	}
	return m
}()

var spaAudioFormatIDs = map[SampleFormat]C.uint32_t{
	SampleU8:  C.SPA_AUDIO_FORMAT_U8,
	SampleS16: C.SPA_AUDIO_FORMAT_S16_LE,
	SampleS32: C.SPA_AUDIO_FORMAT_S32_LE,
	SampleF32: C.SPA_AUDIO_FORMAT_F32_LE,
}

func buildVideoFormatPods(req VideoFormat) []*C.struct_spa_pod {
	spaFmt, ok := spaVideoFormatIDs[req.Pixel]
	if !ok {
		spaFmt = C.SPA_VIDEO_FORMAT_BGRA
	}
	fmtBuf := C.malloc(1024)
	fmtPod := C.miniav_build_video_format((*C.uint8_t)(fmtBuf), 1024,
		C.uint32_t(spaFmt), C.uint32_t(req.Width), C.uint32_t(req.Height),
		C.uint32_t(req.FrameRate.Num), C.uint32_t(req.FrameRate.Den), 0, 0)

	buffersBuf := C.malloc(512)
	buffersPod := C.miniav_build_buffers((*C.uint8_t)(buffersBuf), 512, pwMaxBuffers)

	return []*C.struct_spa_pod{fmtPod, buffersPod}
}

func buildAudioFormatPods(req AudioFormat) []*C.struct_spa_pod {
	spaFmt, ok := spaAudioFormatIDs[req.Sample]
	if !ok {
		spaFmt = C.SPA_AUDIO_FORMAT_F32_LE
	}
	buf := C.malloc(512)
	pod := C.miniav_build_audio_format((*C.uint8_t)(buf), 512,
		C.uint32_t(spaFmt), C.uint32_t(req.Channels), C.uint32_t(req.RateHz))
	return []*C.struct_spa_pod{pod}
}

func parseVideoFormatPod(param *C.struct_spa_pod) (format PixelFormat, width, height int, rate Rational, modifier uint64, ok bool) {
	var cFormat, cWidth, cHeight, cRateNum, cRateDen C.uint32_t
	var cModifier C.uint64_t
	var cHaveMod C.int
	if C.miniav_parse_video_format(param, &cFormat, &cWidth, &cHeight, &cRateNum, &cRateDen, &cModifier, &cHaveMod) < 0 {
		return PixelUnknown, 0, 0, Rational{}, 0, false
	}
	pf, known := spaVideoFormatFromID[cFormat]
	if !known {
		pf = PixelUnknown
	}
	mod := uint64(0)
	if cHaveMod != 0 {
		mod = uint64(cModifier)
	}
	return pf, int(cWidth), int(cHeight), Rational{Num: uint32(cRateNum), Den: uint32(cRateDen)}, mod, true
}

// syncStartDMABuf/syncEndDMABuf issue DMA_BUF_IOCTL_SYNC(START|END) around a
// CPU read of an imported DMABUF, matching the kernel's documented
// coherency contract. ENOTTY (exporter doesn't implement the ioctl, common
// for some software-only allocators) is treated as "proceed without it" —
// it's advisory for CPU coherency, not a hard requirement for every
// exporter.
func syncStartDMABuf(fd int) { dmaBufSync(fd, dmaBufSyncStart|dmaBufSyncRead) }
func syncEndDMABuf(fd int)   { dmaBufSync(fd, dmaBufSyncEnd|dmaBufSyncRead) }

const (
	dmaBufSyncRead  = 1 << 0
	dmaBufSyncStart = 0 << 2
	dmaBufSyncEnd   = 1 << 2
	dmaBufIOCTLSync = 0x40086200 // DMA_BUF_IOCTL_SYNC, _IOW('b', 0, struct dma_buf_sync)
)

func dmaBufSync(fd int, flags uint64) {
	var arg uint64 = flags
	_, _, _ = ioctlPtr(uintptr(fd), dmaBufIOCTLSync, uintptr(unsafe.Pointer(&arg)))
}
