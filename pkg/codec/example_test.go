package codec_test

import (
	"errors"
	"fmt"
	"log"

	"github.com/ssargent/kinesisagg/pkg/codec"
)

// ExampleEncode demonstrates encoding and decoding a container
func ExampleEncode() {
	body := &codec.AggregatedRecord{
		PartitionKeyTable: []string{"user-1"},
		Records: []codec.Record{
			{PartitionKeyIndex: 0, Data: []byte("hello")},
		},
	}

	container := codec.Encode(body)
	fmt.Printf("Encoded %d bytes\n", len(container))
	fmt.Printf("Magic: % x\n", container[:4])

	decoded, err := codec.Decode(container, true)
	if err != nil {
		log.Fatal(err)
	}

	pk, _, _, err := decoded.Resolve(0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Partition key: %s\n", pk)
	fmt.Printf("Data: %s\n", decoded.Records[0].Data)

	// Output:
	// Encoded 39 bytes
	// Magic: f3 89 9a c2
	// Partition key: user-1
	// Data: hello
}

// ExampleDecode_notAggregated demonstrates detecting a plain Kinesis record
func ExampleDecode_notAggregated() {
	_, err := codec.Decode([]byte(`{"event":"click"}`), true)
	if errors.Is(err, codec.ErrNotAggregated) {
		fmt.Println("plain record")
	}

	// Output:
	// plain record
}

// ExampleSizeOfVarint demonstrates the varint size model
func ExampleSizeOfVarint() {
	for _, v := range []int{0, 127, 128, 1048556} {
		n, _ := codec.SizeOfVarint(v)
		fmt.Printf("%d -> %d\n", v, n)
	}

	// Output:
	// 0 -> 1
	// 127 -> 1
	// 128 -> 2
	// 1048556 -> 3
}
