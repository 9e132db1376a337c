package license

import "sort"

// Feature represents a gated conversion type or capability.
type Feature string

const (
	// FeaturePDFToDOCX converts PDF documents to Word (the free trial feature).
	FeaturePDFToDOCX Feature = "pdf_to_docx"
	// FeatureDOCXToPDF converts Word documents to PDF (Basic+).
	FeatureDOCXToPDF Feature = "docx_to_pdf"
	// FeatureImageToPDF converts images to PDF (Basic+).
	FeatureImageToPDF Feature = "image_to_pdf"
	// FeaturePDFToXLSX extracts PDF tables to Excel (Basic+).
	FeaturePDFToXLSX Feature = "pdf_to_xlsx"
	// FeaturePDFToPPTX converts PDF documents to PowerPoint (Pro+).
	FeaturePDFToPPTX Feature = "pdf_to_pptx"
	// FeatureOCR enables text recognition on scanned documents (Pro+).
	FeatureOCR Feature = "ocr"
	// FeatureBatchConvert enables converting whole folders at once (Pro+).
	FeatureBatchConvert Feature = "batch_convert"
	// FeatureMergePDF enables merging several PDFs into one (Pro+).
	FeatureMergePDF Feature = "merge_pdf"
	// FeatureAPIAccess enables the local automation API (Enterprise).
	FeatureAPIAccess Feature = "api_access"
	// FeatureCustomOCRLanguages enables user supplied OCR language packs (Enterprise).
	FeatureCustomOCRLanguages Feature = "custom_ocr_languages"
)

// featureAccess maps each tier to the features it unlocks by default.
var featureAccess = map[Tier][]Feature{
	TierTrial: {
		FeaturePDFToDOCX,
	},
	TierBasic: {
		FeaturePDFToDOCX,
		FeatureDOCXToPDF,
		FeatureImageToPDF,
		FeaturePDFToXLSX,
	},
	TierPro: {
		FeaturePDFToDOCX,
		FeatureDOCXToPDF,
		FeatureImageToPDF,
		FeaturePDFToXLSX,
		FeaturePDFToPPTX,
		FeatureOCR,
		FeatureBatchConvert,
		FeatureMergePDF,
	},
	TierEnterprise: {
		FeaturePDFToDOCX,
		FeatureDOCXToPDF,
		FeatureImageToPDF,
		FeaturePDFToXLSX,
		FeaturePDFToPPTX,
		FeatureOCR,
		FeatureBatchConvert,
		FeatureMergePDF,
		FeatureAPIAccess,
		FeatureCustomOCRLanguages,
	},
}

// HasFeature returns true if the given tier unlocks the feature by default.
func HasFeature(tier Tier, feature Feature) bool {
	for _, f := range featureAccess[tier] {
		if f == feature {
			return true
		}
	}
	return false
}

// TierFeatures returns a copy of the default feature set for a tier.
func TierFeatures(tier Tier) []Feature {
	features := featureAccess[tier]
	out := make([]Feature, len(features))
	copy(out, features)
	return out
}

// RequiredTier returns the least restrictive tier that includes the feature,
// or an empty tier if no tier offers it.
func RequiredTier(feature Feature) Tier {
	for _, tier := range ValidTiers() {
		if HasFeature(tier, feature) {
			return tier
		}
	}
	return ""
}

// AllFeatures returns every known feature sorted by name.
func AllFeatures() []Feature {
	features := TierFeatures(TierEnterprise)
	sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })
	return features
}

// IsKnown reports whether the feature is offered by any tier.
func (f Feature) IsKnown() bool {
	return RequiredTier(f) != ""
}

// String implements fmt.Stringer.
func (f Feature) String() string {
	return string(f)
}
