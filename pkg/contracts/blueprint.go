package contracts

import (
	"launchbase/pkg/domain"
)

var blueprintRequired = []string{"contract", "document", "pages", "text_blocks", "detections", "errors"}

var detectionStatuses = map[string]struct{}{
	string(domain.DetectionRaw):      {},
	string(domain.DetectionMapped):   {},
	string(domain.DetectionVerified): {},
	string(domain.DetectionRejected): {},
}

// ValidateBlueprintParseV1 checks a raw blueprint parse emitted by the
// detection agent.
func ValidateBlueprintParseV1(input any) ValidationResult {
	root, short := rootObject(input, blueprintRequired...)
	if short != nil {
		return *short
	}
	c := &issues{}
	name, version, hash := checkContract(c, root["contract"], domain.ContractBlueprintParseV1)

	if doc, ok := objectAt(c, "document", root["document"]); ok {
		nonEmptyString(c, doc, "document", "document_id")
		optionalNullableString(c, doc, "document", "filename")
		integerField(c, doc, "document", "page_count", 0)
	}

	pageIDs := map[string]struct{}{}
	if pages, ok := arrayField(c, root, "", "pages"); ok {
		for i, p := range pages {
			path := indexPath("pages", i)
			obj, ok := objectAt(c, path, p)
			if !ok {
				continue
			}
			if id, ok := nonEmptyString(c, obj, path, "page_id"); ok {
				if _, dup := pageIDs[id]; dup {
					c.add(joinPath(path, "page_id"), "duplicate page_id", id)
				}
				pageIDs[id] = struct{}{}
			}
			integerField(c, obj, path, "page_number", 1)
			optionalNullableString(c, obj, path, "sheet")
			optionalNullableNumber(c, obj, path, "width", 0)
			optionalNullableNumber(c, obj, path, "height", 0)
		}
	}

	if blocks, ok := arrayField(c, root, "", "text_blocks"); ok {
		for i, b := range blocks {
			path := indexPath("text_blocks", i)
			obj, ok := objectAt(c, path, b)
			if !ok {
				continue
			}
			nonEmptyString(c, obj, path, "block_id")
			checkPageRef(c, obj, path, pageIDs)
			stringField(c, obj, path, "text")
			bboxField(c, obj, path, "bbox_norm", false)
			unitInterval(c, obj, path, "confidence")
		}
	}

	if dets, ok := arrayField(c, root, "", "detections"); ok {
		seen := map[string]struct{}{}
		for i, d := range dets {
			path := indexPath("detections", i)
			obj, ok := objectAt(c, path, d)
			if !ok {
				continue
			}
			if id, ok := nonEmptyString(c, obj, path, "detection_id"); ok {
				if _, dup := seen[id]; dup {
					c.add(joinPath(path, "detection_id"), "duplicate detection_id", id)
				}
				seen[id] = struct{}{}
			}
			checkPageRef(c, obj, path, pageIDs)
			nonEmptyString(c, obj, path, "raw_class")
			bboxField(c, obj, path, "bbox_norm", false)
			unitInterval(c, obj, path, "confidence")
			optionalNullableString(c, obj, path, "canonical_type")
			enumField(c, obj, path, "status", detectionStatuses, false)
		}
	}

	if _, present := root["legend"]; present {
		if legend, ok := arrayField(c, root, "", "legend"); ok {
			for i, l := range legend {
				path := indexPath("legend", i)
				obj, ok := objectAt(c, path, l)
				if !ok {
					continue
				}
				nonEmptyString(c, obj, path, "raw_label")
				optionalNullableString(c, obj, path, "canonical_type")
			}
		}
	}

	if errs, ok := arrayField(c, root, "", "errors"); ok {
		for i, e := range errs {
			path := indexPath("errors", i)
			obj, ok := objectAt(c, path, e)
			if !ok {
				continue
			}
			nonEmptyString(c, obj, path, "code")
			stringField(c, obj, path, "message")
			optionalNullableString(c, obj, path, "page_id")
		}
	}

	return c.result(name, version, hash)
}

// checkPageRef requires page_id and, when pages were declared, that it names one.
func checkPageRef(c *issues, obj map[string]any, path string, pageIDs map[string]struct{}) {
	id, ok := nonEmptyString(c, obj, path, "page_id")
	if !ok || len(pageIDs) == 0 {
		return
	}
	if _, known := pageIDs[id]; !known {
		c.add(joinPath(path, "page_id"), "does not reference a declared page", id)
	}
}
