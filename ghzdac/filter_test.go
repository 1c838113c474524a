package ghzdac

import (
	"math"
	"testing"

	c "github.com/smartystreets/goconvey/convey"
)

func TestKernel(t *testing.T) {
	c.Convey("Given the three filter shapes", t, func() {
		shapes := []Shape{Cosine, Gaussian, Flat}

		c.Convey("the response is 1 at DC for any bandwidth", func() {
			for _, s := range shapes {
				for _, bw := range []float64{0.05, 0.26, 0.8, 1} {
					k, err := NewKernel(s, bw)
					c.So(err, c.ShouldBeNil)
					c.So(k.Response(128)[0], c.ShouldEqual, 1)
				}
			}
		})

		c.Convey("a bandwidth of 1 does no filtering", func() {
			for _, s := range shapes {
				k, err := NewKernel(s, 1)
				c.So(err, c.ShouldBeNil)
				c.So(k.IsIdentity(), c.ShouldBeTrue)
				c.So(k.Taps(), c.ShouldResemble, []float64{1})
				for _, g := range k.Response(64) {
					c.So(g, c.ShouldEqual, 1)
				}
				x := []float64{0, 1, -2, 3.5}
				c.So(k.Convolve(x), c.ShouldResemble, x)
			}
		})

		c.Convey("the taps sum to one, are symmetric and odd in length", func() {
			for _, s := range []Shape{Cosine, Gaussian} {
				k, _ := NewKernel(s, 0.3)
				taps := k.Taps()
				c.So(len(taps)%2, c.ShouldEqual, 1)
				c.So(len(taps), c.ShouldEqual, k.Len())
				sum := 0.
				for i, v := range taps {
					sum += v
					c.So(v, c.ShouldAlmostEqual, taps[len(taps)-1-i], 1e-12)
				}
				c.So(sum, c.ShouldAlmostEqual, 1, 1e-12)
			}
		})

		c.Convey("the taps are the inverse transform of the response", func() {
			for _, s := range []Shape{Cosine, Gaussian} {
				k, _ := NewKernel(s, 0.3)
				taps := k.Taps()
				l := len(taps)
				resp := k.Response(l)
				for m, v := range taps {
					want := resp[0]
					for j := 1; j < len(resp); j++ {
						want += 2 * resp[j] * math.Cos(2*math.Pi*float64(j*(m-l/2))/float64(l))
					}
					c.So(v, c.ShouldAlmostEqual, want/float64(l), 1e-9)
				}
			}
		})

		c.Convey("the narrowest kernel is bounded in length and keeps unit DC gain", func() {
			for _, s := range []Shape{Cosine, Gaussian} {
				k, err := NewKernel(s, MinBandwidth)
				c.So(err, c.ShouldBeNil)
				taps := k.Taps()
				c.So(len(taps), c.ShouldEqual, 8001)
				sum := 0.
				for _, v := range taps {
					sum += v
				}
				c.So(sum, c.ShouldAlmostEqual, 1, 1e-9)
				c.So(k.Response(64)[0], c.ShouldEqual, 1)
			}
		})

		c.Convey("the DC gain is 1 across the valid bandwidths", func() {
			for _, bw := range []float64{MinBandwidth, 0.003, 0.01, 0.1, 0.5, 0.99} {
				k, err := NewKernel(Gaussian, bw)
				c.So(err, c.ShouldBeNil)
				sum := 0.
				for _, v := range k.Taps() {
					sum += v
				}
				c.So(sum, c.ShouldAlmostEqual, 1, 1e-9)
			}
		})

		c.Convey("narrower kernels are longer", func() {
			wide, _ := NewKernel(Gaussian, 0.8)
			narrow, _ := NewKernel(Gaussian, 0.1)
			c.So(narrow.Len(), c.ShouldBeGreaterThan, wide.Len())
		})

		c.Convey("convolution preserves a constant signal", func() {
			k, _ := NewKernel(Cosine, 0.4)
			for _, v := range k.Convolve([]float64{2, 2, 2, 2, 2, 2, 2}) {
				c.So(v, c.ShouldAlmostEqual, 2, 1e-12)
			}
		})
	})

	c.Convey("The cosine filter rolls off to zero at Nyquist", t, func() {
		k, _ := NewKernel(Cosine, 0.8)
		r := k.Response(100)
		c.So(r[10], c.ShouldEqual, 1)
		c.So(r[50], c.ShouldAlmostEqual, 0, 1e-12)
	})

	c.Convey("The gaussian filter is 3 dB down at the cutoff", t, func() {
		k, _ := NewKernel(Gaussian, 0.26)
		r := k.Response(100)
		c.So(r[13], c.ShouldAlmostEqual, 1/math.Sqrt2, 1e-12)
	})

	c.Convey("Invalid filters are configuration errors", t, func() {
		for _, bw := range []float64{0, -0.5, math.NaN(), math.Inf(1), 1e-4, 1e-15} {
			_, err := NewKernel(Cosine, bw)
			c.So(err, c.ShouldHaveSameTypeAs, &ConfigurationError{})
			_, err = NewKernel(Gaussian, bw)
			c.So(err, c.ShouldHaveSameTypeAs, &ConfigurationError{})
		}
		_, err := ParseShape("boxcar")
		c.So(err, c.ShouldHaveSameTypeAs, &ConfigurationError{})
		s, err := ParseShape("gauss")
		c.So(err, c.ShouldBeNil)
		c.So(s, c.ShouldEqual, Gaussian)
	})
}
